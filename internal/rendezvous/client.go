// Package rendezvous is the client of the rendezvous coordination server.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	grpccorrelation "gitlab.com/gitlab-org/labkit/correlation/grpc"
	grpctracing "gitlab.com/gitlab-org/labkit/tracing/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	serviceName       = "rendezvous.ClientService"
	subscribeMethod   = "/" + serviceName + "/Subscribe"
	closeBranchMethod = "/" + serviceName + "/CloseBranch"
)

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Dial connects to the coordinator. The address is either host:port, or
// carries a tcp:// or unix:// scheme.
func Dial(ctx context.Context, logger *logrus.Entry, address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	target := address
	switch {
	case strings.HasPrefix(address, "unix://"):
		path := strings.TrimPrefix(address, "unix://")
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", path)
		}))
	case strings.HasPrefix(address, "tcp://"):
		target = strings.TrimPrefix(address, "tcp://")
	}

	// CloseBranch calls are only logged when they fail.
	logOpts := []grpc_logrus.Option{
		grpc_logrus.WithDecider(func(fullMethodName string, err error) bool {
			return fullMethodName == subscribeMethod || err != nil
		}),
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithInsecure(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithChainStreamInterceptor(
			grpc_prometheus.StreamClientInterceptor,
			grpctracing.StreamClientTracingInterceptor(),
			grpccorrelation.StreamClientCorrelationInterceptor(),
			grpc_logrus.StreamClientInterceptor(logger, logOpts...),
		),
		grpc.WithChainUnaryInterceptor(
			grpc_prometheus.UnaryClientInterceptor,
			grpctracing.UnaryClientTracingInterceptor(),
			grpccorrelation.UnaryClientCorrelationInterceptor(),
			grpc_logrus.UnaryClientInterceptor(logger, logOpts...),
		),
	}, opts...)

	conn, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q connection: %w", target, err)
	}

	return conn, nil
}

// Client calls the coordinator.
type Client struct {
	conn       grpc.ClientConnInterface
	rpcTimeout time.Duration
}

// NewClient returns a client issuing calls on conn. Unary calls are bounded
// by rpcTimeout.
func NewClient(conn grpc.ClientConnInterface, rpcTimeout time.Duration) *Client {
	return &Client{conn: conn, rpcTimeout: rpcTimeout}
}

// BranchStream receives the branches opened for one subscription.
type BranchStream struct {
	stream grpc.ClientStream
}

// Recv blocks until the next branch is pushed. It returns io.EOF when the
// coordinator ends the stream.
func (s *BranchStream) Recv() (Branch, error) {
	var branch Branch
	if err := s.stream.RecvMsg(&branch); err != nil {
		return Branch{}, err
	}
	return branch, nil
}

// Subscribe opens the stream of branches for service in region. The stream
// lives until ctx is cancelled or the coordinator ends it, so it carries no
// deadline.
func (c *Client) Subscribe(ctx context.Context, service, region string) (*BranchStream, error) {
	stream, err := c.conn.NewStream(ctx, &subscribeStreamDesc, subscribeMethod, grpc.ForceCodec(Codec{}))
	if err != nil {
		return nil, err
	}

	// io.EOF means the coordinator already ended the stream. The status is
	// surfaced by the first Recv.
	if err := stream.SendMsg(&SubscribeRequest{Service: service, Region: region}); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &BranchStream{stream: stream}, nil
}

// CloseBranch reports that the write of bid is visible in region. The call
// is idempotent on the coordinator.
func (c *Client) CloseBranch(ctx context.Context, bid, region string) error {
	if c.rpcTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.rpcTimeout)
		defer cancel()
	}

	return c.conn.Invoke(ctx, closeBranchMethod, &CloseBranchRequest{BID: bid, Region: region}, &Empty{}, grpc.ForceCodec(Codec{}))
}
