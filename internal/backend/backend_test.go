package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticAdapter struct {
	name string
}

func (staticAdapter) FindVisible(context.Context, string) (bool, error) { return true, nil }

func (staticAdapter) ScanPending(context.Context, Cursor) ([]MetadataRecord, Cursor, error) {
	return nil, StartCursor, nil
}

func TestRegistry(t *testing.T) {
	defaultAdapter := staticAdapter{name: "default"}
	ordersAdapter := staticAdapter{name: "orders"}

	registry := NewRegistry()
	registry.Register("orders", ordersAdapter)

	_, err := registry.Get("assets")
	require.True(t, errors.Is(err, ErrUnknownTag))
	require.EqualError(t, err, `no backend registered for tag: "assets"`)

	registry.Register(DefaultTag, defaultAdapter)

	for _, tc := range []struct {
		tag      string
		expected Adapter
	}{
		{tag: "", expected: defaultAdapter},
		{tag: "orders", expected: ordersAdapter},
		{tag: "assets", expected: defaultAdapter},
	} {
		t.Run(tc.tag, func(t *testing.T) {
			adapter, err := registry.Get(tc.tag)
			require.NoError(t, err)
			require.Equal(t, tc.expected, adapter)
		})
	}

	require.Equal(t, []string{"", "orders"}, registry.Tags())
	require.Equal(t, 2, registry.Len())
}

func TestUnavailable(t *testing.T) {
	require.NoError(t, Unavailable(nil))

	cause := context.DeadlineExceeded
	err := fmt.Errorf("find visible: %w", Unavailable(cause))

	require.True(t, errors.Is(err, ErrUnavailable))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.EqualError(t, err, "find visible: backend unavailable: context deadline exceeded")
	require.False(t, errors.Is(errors.New("boom"), ErrUnavailable))
}

func TestDecodeMetadata(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		data     string
		expected MetadataRecord
		err      string
	}{
		{
			desc: "full document",
			data: `{"bid": "b1", "obj_key": "posts/1", "ts": 1600000000.25}`,
			expected: MetadataRecord{
				BID:       "b1",
				ObjectKey: "posts/1",
				Timestamp: time.Unix(1600000000, 250*int64(time.Millisecond)).UTC(),
			},
		},
		{
			desc:     "integer timestamp",
			data:     `{"bid": "b2", "ts": 1600000000}`,
			expected: MetadataRecord{BID: "b2", Timestamp: time.Unix(1600000000, 0).UTC()},
		},
		{
			desc: "missing bid",
			data: `{"obj_key": "posts/1", "ts": 1}`,
			err:  "metadata has no bid",
		},
		{
			desc: "malformed",
			data: `not json`,
			err:  "decoding metadata: invalid character 'o' in literal null (expecting 'u')",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			record, err := DecodeMetadata([]byte(tc.data))
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, record)
		})
	}
}

func TestEncodeMetadata(t *testing.T) {
	record := MetadataRecord{
		BID:       "b1",
		ObjectKey: "posts/1",
		Timestamp: time.Unix(1600000000, 500*int64(time.Microsecond)).UTC(),
	}

	data, err := EncodeMetadata(record)
	require.NoError(t, err)

	decoded, err := DecodeMetadata(data)
	require.NoError(t, err)
	require.Equal(t, record, decoded)
}

func TestInWindow(t *testing.T) {
	now := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	start := WindowStart(now, time.Minute)
	require.Equal(t, now.Add(-time.Minute), start)

	require.True(t, MetadataRecord{Timestamp: now}.InWindow(start))
	require.True(t, MetadataRecord{Timestamp: start}.InWindow(start))
	require.False(t, MetadataRecord{Timestamp: start.Add(-time.Nanosecond)}.InWindow(start))
}
