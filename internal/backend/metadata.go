package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var errMissingBID = errors.New("metadata has no bid")

// metadataDocument is the JSON layout written by the rendezvous clients next
// to every tracked write. The timestamp is in fractional unix seconds.
type metadataDocument struct {
	BID       string  `json:"bid"`
	ObjectKey string  `json:"obj_key"`
	Timestamp float64 `json:"ts"`
}

// DecodeMetadata parses a JSON metadata document.
func DecodeMetadata(data []byte) (MetadataRecord, error) {
	var doc metadataDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return MetadataRecord{}, fmt.Errorf("decoding metadata: %w", err)
	}

	if doc.BID == "" {
		return MetadataRecord{}, errMissingBID
	}

	return MetadataRecord{
		BID:       doc.BID,
		ObjectKey: doc.ObjectKey,
		Timestamp: FromUnixSeconds(doc.Timestamp),
	}, nil
}

// EncodeMetadata renders the record in the JSON layout read by DecodeMetadata.
func EncodeMetadata(record MetadataRecord) ([]byte, error) {
	return json.Marshal(metadataDocument{
		BID:       record.BID,
		ObjectKey: record.ObjectKey,
		Timestamp: UnixSeconds(record.Timestamp),
	})
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds converts fractional unix seconds to a UTC time with
// microsecond precision.
func FromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

// WindowStart returns the oldest timestamp still inside the consistency window.
func WindowStart(now time.Time, validity time.Duration) time.Time {
	return now.Add(-validity)
}

// InWindow reports whether the record was written at or after windowStart.
func (r MetadataRecord) InWindow(windowStart time.Time) bool {
	return !r.Timestamp.Before(windowStart)
}
