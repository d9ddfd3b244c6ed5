// Package rendezvoustest runs an in-process coordinator for tests.
package rendezvoustest

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/helper"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/rendezvous"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type subscriber struct {
	request  rendezvous.SubscribeRequest
	branches chan rendezvous.Branch
	end      chan struct{}
}

// Server is a fake coordinator. It streams published branches to every
// active subscriber and records CloseBranch calls.
type Server struct {
	mu            sync.Mutex
	changed       chan struct{}
	subscribers   map[*subscriber]struct{}
	subscriptions []rendezvous.SubscribeRequest
	subscribeErrs []error
	closeErrs     []error
	closed        []rendezvous.CloseBranchRequest
}

// NewServer returns a coordinator without subscribers.
func NewServer() *Server {
	return &Server{
		changed:     make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// notify wakes up everyone waiting for a state change. The caller holds mu.
func (s *Server) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Start serves the coordinator over an in-memory listener and returns a
// connection to it. Both are torn down when the test finishes.
func (s *Server) Start(t testing.TB) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.CustomCodec(rendezvous.Codec{}))
	srv.RegisterService(&serviceDesc, s)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithInsecure(),
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		s.EndStreams()
		srv.Stop()
		// Stop may win the race against Serve when no RPC was made.
		if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Error(err)
		}
	})

	return conn
}

// Publish pushes branches to every active subscriber.
func (s *Server) Publish(branches ...rendezvous.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subscribers {
		for _, branch := range branches {
			sub.branches <- branch
		}
	}
}

// EndStreams finishes every active subscription with an OK status, which
// subscribers observe as io.EOF.
func (s *Server) EndStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subscribers {
		close(sub.end)
		delete(s.subscribers, sub)
	}
	s.notify()
}

// FailSubscribe makes the next Subscribe calls fail with errs, one per call.
func (s *Server) FailSubscribe(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErrs = append(s.subscribeErrs, errs...)
}

// FailCloseBranch makes the next CloseBranch calls fail with errs, one per
// call. Failed calls are not recorded as closures.
func (s *Server) FailCloseBranch(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErrs = append(s.closeErrs, errs...)
}

// Subscriptions returns every Subscribe request received so far, including
// failed ones.
func (s *Server) Subscriptions() []rendezvous.SubscribeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rendezvous.SubscribeRequest(nil), s.subscriptions...)
}

// Closed returns the successful CloseBranch requests in arrival order.
func (s *Server) Closed() []rendezvous.CloseBranchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rendezvous.CloseBranchRequest(nil), s.closed...)
}

// CloseCalls returns how often bid was closed successfully.
func (s *Server) CloseCalls(bid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls int
	for _, req := range s.closed {
		if req.BID == bid {
			calls++
		}
	}
	return calls
}

// WaitForSubscribers blocks until n subscription streams are open.
func (s *Server) WaitForSubscribers(ctx context.Context, n int) error {
	for {
		s.mu.Lock()
		active, changed := len(s.subscribers), s.changed
		s.mu.Unlock()

		if active >= n {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForClosed blocks until bid was closed at least once.
func (s *Server) WaitForClosed(ctx context.Context, bid string) error {
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		if s.CloseCalls(bid) > 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) subscribe(stream grpc.ServerStream) error {
	var req rendezvous.SubscribeRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	sub := &subscriber{
		request:  req,
		branches: make(chan rendezvous.Branch, 1024),
		end:      make(chan struct{}),
	}

	if req.Service == "" {
		return helper.ErrInvalidArgumentf("subscribe: empty service")
	}

	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, req)
	if len(s.subscribeErrs) > 0 {
		err := s.subscribeErrs[0]
		s.subscribeErrs = s.subscribeErrs[1:]
		s.notify()
		s.mu.Unlock()
		return err
	}
	s.subscribers[sub] = struct{}{}
	s.notify()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[sub]; ok {
			delete(s.subscribers, sub)
			s.notify()
		}
	}()

	for {
		select {
		case branch := <-sub.branches:
			if err := stream.SendMsg(&branch); err != nil {
				return err
			}
		case <-sub.end:
			return nil
		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *Server) closeBranch(ctx context.Context, req *rendezvous.CloseBranchRequest) (*rendezvous.Empty, error) {
	if req.BID == "" {
		return nil, helper.ErrInvalidArgumentf("close branch: empty branch id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.closeErrs) > 0 {
		err := s.closeErrs[0]
		s.closeErrs = s.closeErrs[1:]
		return nil, err
	}

	s.closed = append(s.closed, *req)
	s.notify()

	return &rendezvous.Empty{}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "rendezvous.ClientService",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CloseBranch",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(rendezvous.CloseBranchRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return srv.(*Server).closeBranch(ctx, req)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Subscribe",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*Server).subscribe(stream)
			},
			ServerStreams: true,
		},
	},
}
