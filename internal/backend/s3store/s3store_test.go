package s3store

import (
	"bytes"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/require"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/testhelper"
)

var now = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeObject struct {
	body         []byte
	lastModified time.Time
	metadata     map[string]*string
}

// fakeS3 keeps objects of a single bucket in memory. Continuation tokens are
// the index of the next key.
type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string]fakeObject
	err     error
	gets    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}}
}

func (f *fakeS3) putMetadata(t *testing.T, record backend.MetadataRecord, lastModified time.Time) {
	data, err := backend.EncodeMetadata(record)
	require.NoError(t, err)
	f.objects["rendezvous/"+record.BID] = fakeObject{body: data, lastModified: lastModified}
}

func (f *fakeS3) putData(key, rendezvous string, lastModified time.Time) {
	object := fakeObject{body: []byte("payload"), lastModified: lastModified}
	if rendezvous != "" {
		object.metadata = map[string]*string{"Rendezvous": aws.String(rendezvous)}
	}
	f.objects[key] = object
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	if f.err != nil {
		return nil, f.err
	}

	object, ok := f.objects[*input.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}

	return &s3.GetObjectOutput{
		Body:         io.NopCloser(bytes.NewReader(object.body)),
		LastModified: aws.Time(object.lastModified),
		Metadata:     object.metadata,
	}, nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	object, ok := f.objects[*input.Key]
	if !ok {
		return nil, awserr.New("NotFound", "Not Found", nil)
	}

	return &s3.HeadObjectOutput{
		LastModified: aws.Time(object.lastModified),
		Metadata:     object.metadata,
	}, nil
}

func (f *fakeS3) ListObjectsV2WithContext(ctx aws.Context, input *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, *input.Prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if input.ContinuationToken != nil {
		var err error
		if start, err = strconv.Atoi(*input.ContinuationToken); err != nil {
			return nil, awserr.New("InvalidArgument", "bad token", nil)
		}
	}
	keys = keys[start:]

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if limit := int(*input.MaxKeys); len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(start + limit))
	}

	for _, key := range keys {
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(key)})
	}

	return out, nil
}

func (f *fakeS3) HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.HeadBucketOutput{}, nil
}

func setupStore(t *testing.T, pageSize int) (*Store, *fakeS3) {
	fake := newFakeS3()
	store := New(testhelper.NewDiscardingLogger(t), fake, Config{
		Bucket:         "assets",
		RendezvousPath: "rendezvous",
		Validity:       time.Minute,
		PageSize:       pageSize,
	})
	store.now = func() time.Time { return now }
	return store, fake
}

func TestNew_pageSizeBounds(t *testing.T) {
	logger := testhelper.NewDiscardingLogger(t)
	require.Equal(t, maxListKeys, New(logger, newFakeS3(), Config{PageSize: 10000}).cfg.PageSize)
	require.Equal(t, maxListKeys, New(logger, newFakeS3(), Config{}).cfg.PageSize)
	require.Equal(t, 10, New(logger, newFakeS3(), Config{PageSize: 10}).cfg.PageSize)
}

func TestStore_FindVisible(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, fake := setupStore(t, 10)
	written := now.Add(-5 * time.Second)

	// Data object tagged with the bid.
	fake.putMetadata(t, backend.MetadataRecord{BID: "b1", ObjectKey: "posts/1", Timestamp: written}, written)
	fake.putData("posts/1", "b1", written.Add(-time.Second))
	// Data object overwritten by a later write.
	fake.putMetadata(t, backend.MetadataRecord{BID: "b2", ObjectKey: "posts/2", Timestamp: written}, written)
	fake.putData("posts/2", "b9", written.Add(time.Second))
	// Data object still carries an older write.
	fake.putMetadata(t, backend.MetadataRecord{BID: "b3", ObjectKey: "posts/3", Timestamp: written}, written)
	fake.putData("posts/3", "b0", written.Add(-time.Second))
	// Data object not replicated yet.
	fake.putMetadata(t, backend.MetadataRecord{BID: "b4", ObjectKey: "posts/4", Timestamp: written}, written)

	for _, tc := range []struct {
		bid     string
		visible bool
	}{
		{bid: "b1", visible: true},
		{bid: "b1", visible: true},
		{bid: "b2", visible: true},
		{bid: "b3", visible: false},
		{bid: "b4", visible: false},
		{bid: "unknown", visible: false},
	} {
		visible, err := store.FindVisible(ctx, tc.bid)
		require.NoError(t, err)
		require.Equal(t, tc.visible, visible, tc.bid)
	}
}

func TestStore_FindVisible_clientPath(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, fake := setupStore(t, 10)
	store.cfg.ClientPath = "objects"

	fake.putMetadata(t, backend.MetadataRecord{BID: "b1", ObjectKey: "posts/1", Timestamp: now}, now)
	fake.putData("objects/posts/1", "b1", now)

	visible, err := store.FindVisible(ctx, "b1")
	require.NoError(t, err)
	require.True(t, visible)
}

func TestStore_FindVisible_errors(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc      string
		err       error
		retryable bool
	}{
		{desc: "slow down", err: awserr.New("SlowDown", "reduce your request rate", nil), retryable: true},
		{desc: "internal", err: awserr.New("InternalError", "oops", nil), retryable: true},
		{desc: "access denied", err: awserr.New("AccessDenied", "denied", nil), retryable: false},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			store, fake := setupStore(t, 10)
			fake.err = tc.err

			_, err := store.FindVisible(ctx, "b1")
			require.Error(t, err)
			require.Equal(t, tc.retryable, errors.Is(err, backend.ErrUnavailable), "unexpected error: %v", err)
		})
	}
}

func TestStore_ScanPending(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, fake := setupStore(t, 2)
	fake.putMetadata(t, backend.MetadataRecord{BID: "b1", ObjectKey: "posts/1", Timestamp: now}, now)
	fake.putMetadata(t, backend.MetadataRecord{BID: "b2", ObjectKey: "posts/2", Timestamp: now.Add(-time.Hour)}, now)
	fake.putMetadata(t, backend.MetadataRecord{BID: "b3", ObjectKey: "posts/3", Timestamp: now.Add(-30 * time.Second)}, now)
	fake.objects["rendezvous/broken"] = fakeObject{body: []byte("{"), lastModified: now}
	fake.putData("posts/1", "b1", now)

	type page struct {
		bids []string
		next backend.Cursor
	}

	var pages []page
	cursor := backend.StartCursor
	for i := 0; i < 3; i++ {
		records, next, err := store.ScanPending(ctx, cursor)
		require.NoError(t, err)

		p := page{next: next}
		for _, record := range records {
			p.bids = append(p.bids, record.BID)
		}
		pages = append(pages, p)
		cursor = next
	}

	require.Equal(t, []page{
		{bids: []string{"b1"}, next: "2"},
		{bids: []string{"b3"}, next: backend.StartCursor},
		{bids: []string{"b1"}, next: "2"},
	}, pages)
}

func TestStore_ScanPending_unavailable(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, fake := setupStore(t, 2)
	fake.err = awserr.New("ServiceUnavailable", "try again", nil)

	_, next, err := store.ScanPending(ctx, "4")
	require.True(t, errors.Is(err, backend.ErrUnavailable))
	require.Equal(t, backend.Cursor("4"), next)
}

func TestStore_Check(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store, fake := setupStore(t, 2)
	require.NoError(t, store.Check(ctx))

	fake.err = awserr.New("AccessDenied", "denied", nil)
	require.Error(t, store.Check(ctx))
}
