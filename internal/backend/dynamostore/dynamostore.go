// Package dynamostore implements the backend adapter for DynamoDB. Branch
// metadata lives in its own table; visibility is decided by the client table
// item the metadata points to.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/sirupsen/logrus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config"
)

const (
	bidAttribute       = "bid"
	objectKeyAttribute = "obj_key"
	tsAttribute        = "ts"
)

// Config holds the parameters of a Store.
type Config struct {
	MetadataTable       string
	ClientTable         string
	ClientKeyAttribute  string
	RendezvousAttribute string
	Validity            time.Duration
	PageSize            int
}

// FromConfig converts the backend section of the configuration file.
func FromConfig(cfg config.DynamoDB, validity time.Duration, pageSize int) Config {
	return Config{
		MetadataTable:       cfg.MetadataTable,
		ClientTable:         cfg.ClientTable,
		ClientKeyAttribute:  cfg.ClientKeyAttribute,
		RendezvousAttribute: cfg.RendezvousAttribute,
		Validity:            validity,
		PageSize:            pageSize,
	}
}

type metadataItem struct {
	BID       string  `dynamodbav:"bid"`
	ObjectKey string  `dynamodbav:"obj_key"`
	Timestamp float64 `dynamodbav:"ts"`
}

func (i metadataItem) record() backend.MetadataRecord {
	return backend.MetadataRecord{
		BID:       i.BID,
		ObjectKey: i.ObjectKey,
		Timestamp: backend.FromUnixSeconds(i.Timestamp),
	}
}

// Store is a backend.Adapter backed by DynamoDB.
type Store struct {
	api    dynamodbiface.DynamoDBAPI
	cfg    Config
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewClient creates a DynamoDB client for the configured region. An explicit
// endpoint overrides the regional one.
func NewClient(cfg config.DynamoDB) (dynamodbiface.DynamoDBAPI, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	return dynamodb.New(sess), nil
}

// New returns a Store using api.
func New(logger logrus.FieldLogger, api dynamodbiface.DynamoDBAPI, cfg Config) *Store {
	return &Store{
		api:    api,
		cfg:    cfg,
		logger: logger.WithField("backend", "dynamodb"),
		now:    time.Now,
	}
}

// FindVisible looks up the metadata of bid and reports whether the client
// item it points to already carries bid as its latest rendezvous id.
func (s *Store) FindVisible(ctx context.Context, bid string) (bool, error) {
	out, err := s.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.MetadataTable),
		Key:            stringKey(bidAttribute, bid),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, wrapError("get metadata", err)
	}

	if len(out.Item) == 0 {
		return false, nil
	}

	var item metadataItem
	if err := dynamodbattribute.UnmarshalMap(out.Item, &item); err != nil {
		return false, fmt.Errorf("decoding metadata of %q: %w", bid, err)
	}

	return s.clientHasRendezvous(ctx, item.ObjectKey, bid)
}

func (s *Store) clientHasRendezvous(ctx context.Context, objectKey, bid string) (bool, error) {
	if objectKey == "" {
		return false, nil
	}

	out, err := s.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.cfg.ClientTable),
		Key:                      stringKey(s.cfg.ClientKeyAttribute, objectKey),
		ProjectionExpression:     aws.String("#r"),
		ExpressionAttributeNames: map[string]*string{"#r": aws.String(s.cfg.RendezvousAttribute)},
	})
	if err != nil {
		return false, wrapError("get client object", err)
	}

	attr, ok := out.Item[s.cfg.RendezvousAttribute]
	if !ok || attr.S == nil {
		return false, nil
	}

	return *attr.S == bid, nil
}

// ScanPending scans one page of the metadata table. Limit bounds the items
// evaluated, so a page may be empty while the pass is not yet complete. The
// cursor is the bid of the last evaluated item.
func (s *Store) ScanPending(ctx context.Context, cursor backend.Cursor) ([]backend.MetadataRecord, backend.Cursor, error) {
	windowStart := backend.WindowStart(s.now(), s.cfg.Validity)

	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.cfg.MetadataTable),
		Limit:                    aws.Int64(int64(s.cfg.PageSize)),
		FilterExpression:         aws.String("#ts >= :ago"),
		ExpressionAttributeNames: map[string]*string{"#ts": aws.String(tsAttribute)},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":ago": {N: aws.String(strconv.FormatFloat(backend.UnixSeconds(windowStart), 'f', -1, 64))},
		},
	}
	if cursor != backend.StartCursor {
		input.ExclusiveStartKey = stringKey(bidAttribute, string(cursor))
	}

	out, err := s.api.ScanWithContext(ctx, input)
	if err != nil {
		return nil, cursor, wrapError("scan metadata", err)
	}

	var items []metadataItem
	if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, cursor, fmt.Errorf("decoding metadata page: %w", err)
	}

	records := make([]backend.MetadataRecord, 0, len(items))
	for _, item := range items {
		record := item.record()
		if record.BID == "" || !record.InWindow(windowStart) {
			continue
		}
		records = append(records, record)
	}

	next := backend.StartCursor
	if lastKey, ok := out.LastEvaluatedKey[bidAttribute]; ok && lastKey.S != nil {
		next = backend.Cursor(*lastKey.S)
	}

	return records, next, nil
}

// Check verifies both tables exist.
func (s *Store) Check(ctx context.Context) error {
	for _, table := range []string{s.cfg.MetadataTable, s.cfg.ClientTable} {
		if _, err := s.api.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table),
		}); err != nil {
			return fmt.Errorf("describe table %q: %w", table, err)
		}
	}
	return nil
}

func stringKey(attribute, value string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		attribute: {S: aws.String(value)},
	}
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
			dynamodb.ErrCodeInternalServerError, dynamodb.ErrCodeRequestLimitExceeded,
			dynamodb.ErrCodeProvisionedThroughputExceededException:
			return backend.Unavailable(wrapped)
		}
	}

	return wrapped
}
