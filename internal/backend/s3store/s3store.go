// Package s3store implements the backend adapter for S3. Every open branch
// is a metadata object under the rendezvous path naming the data object the
// write produced.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

// maxListKeys is the largest page ListObjectsV2 returns.
const maxListKeys = 1000

// rendezvousMetadataKey is the user metadata entry carrying the bid of the
// latest write to a data object.
const rendezvousMetadataKey = "rendezvous"

var errNotFound = errors.New("object not found")

// Config holds the parameters of a Store.
type Config struct {
	Bucket         string
	RendezvousPath string
	ClientPath     string
	Validity       time.Duration
	PageSize       int
}

// FromConfig converts the backend section of the configuration file.
func FromConfig(cfg config.S3, validity time.Duration, pageSize int) Config {
	return Config{
		Bucket:         cfg.Bucket,
		RendezvousPath: cfg.RendezvousPath,
		ClientPath:     cfg.ClientPath,
		Validity:       validity,
		PageSize:       pageSize,
	}
}

// Store is a backend.Adapter backed by S3.
type Store struct {
	api    s3iface.S3API
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewClient creates an S3 client for the configured region.
func NewClient(cfg config.S3) (s3iface.S3API, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region).WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	return s3.New(sess), nil
}

// New returns a Store using api.
func New(logger logrus.FieldLogger, api s3iface.S3API, cfg Config) *Store {
	if cfg.PageSize <= 0 || cfg.PageSize > maxListKeys {
		cfg.PageSize = maxListKeys
	}

	return &Store{
		api:    api,
		cfg:    cfg,
		logger: logger.WithField("backend", "s3"),
		now:    time.Now,
	}
}

func (s *Store) metadataKey(bid string) string {
	return path.Join(s.cfg.RendezvousPath, bid)
}

func (s *Store) dataKey(objectKey string) string {
	if s.cfg.ClientPath == "" {
		return objectKey
	}
	return path.Join(s.cfg.ClientPath, objectKey)
}

// FindVisible reads the metadata object of bid and reports whether the data
// object it names was written by bid or by any later write.
func (s *Store) FindVisible(ctx context.Context, bid string) (bool, error) {
	record, createdAt, err := s.readMetadata(ctx, s.metadataKey(bid))
	if err != nil {
		if errors.Is(err, errNotFound) {
			return false, nil
		}
		return false, err
	}

	if record.ObjectKey == "" {
		return false, nil
	}

	head, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.dataKey(record.ObjectKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, wrapError("head data object", err)
	}

	for key, value := range head.Metadata {
		if strings.EqualFold(key, rendezvousMetadataKey) && aws.StringValue(value) == bid {
			return true, nil
		}
	}

	return !aws.TimeValue(head.LastModified).Before(createdAt), nil
}

func (s *Store) readMetadata(ctx context.Context, key string) (backend.MetadataRecord, time.Time, error) {
	out, err := s.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return backend.MetadataRecord{}, time.Time{}, errNotFound
		}
		return backend.MetadataRecord{}, time.Time{}, wrapError("get metadata", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return backend.MetadataRecord{}, time.Time{}, backend.Unavailable(fmt.Errorf("read metadata %q: %w", key, err))
	}

	record, err := backend.DecodeMetadata(data)
	if err != nil {
		return backend.MetadataRecord{}, time.Time{}, fmt.Errorf("metadata %q: %w", key, err)
	}

	return record, aws.TimeValue(out.LastModified), nil
}

// ScanPending lists one page of metadata objects and fetches each of them.
// The cursor is the S3 continuation token.
func (s *Store) ScanPending(ctx context.Context, cursor backend.Cursor) ([]backend.MetadataRecord, backend.Cursor, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(s.cfg.RendezvousPath + "/"),
		MaxKeys: aws.Int64(int64(s.cfg.PageSize)),
	}
	if cursor != backend.StartCursor {
		input.ContinuationToken = aws.String(string(cursor))
	}

	out, err := s.api.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return nil, cursor, wrapError("list metadata", err)
	}

	windowStart := backend.WindowStart(s.now(), s.cfg.Validity)

	records := make([]backend.MetadataRecord, 0, len(out.Contents))
	for _, object := range out.Contents {
		key := aws.StringValue(object.Key)

		record, _, err := s.readMetadata(ctx, key)
		switch {
		case errors.Is(err, errNotFound):
			continue
		case errors.Is(err, backend.ErrUnavailable):
			return nil, cursor, err
		case err != nil:
			s.logger.WithError(err).WithField("key", key).Warn("skipping malformed metadata")
			continue
		}

		if !record.InWindow(windowStart) {
			continue
		}

		records = append(records, record)
	}

	if !aws.BoolValue(out.IsTruncated) || aws.StringValue(out.NextContinuationToken) == "" {
		return records, backend.StartCursor, nil
	}

	return records, backend.Cursor(aws.StringValue(out.NextContinuationToken)), nil
}

// Check verifies the bucket is reachable.
func (s *Store) Check(ctx context.Context) error {
	_, err := s.api.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	return err
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}

	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound", "404":
		return true
	}
	return false
}

// wrapError marks throttling and transport errors as retryable.
func wrapError(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	if errors.Is(err, context.DeadlineExceeded) || request.IsErrorRetryable(err) || request.IsErrorThrottle(err) {
		return backend.Unavailable(wrapped)
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case request.CanceledErrorCode, request.ErrCodeRequestError, request.ErrCodeResponseTimeout,
			"InternalError", "ServiceUnavailable", "SlowDown":
			return backend.Unavailable(wrapped)
		}
	}

	return wrapped
}
