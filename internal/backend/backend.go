// Package backend defines the contract every storage backend adapter
// satisfies so the monitor can poll heterogeneous stores uniformly.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Cursor is an opaque, backend specific pagination marker.
type Cursor string

// StartCursor requests the first page of a pass. A page returning it as the
// next cursor signals that the pass is complete.
const StartCursor Cursor = ""

// MetadataRecord is a backend-native pending write, produced by one scan page.
type MetadataRecord struct {
	BID       string
	ObjectKey string
	Timestamp time.Time
}

// Adapter queries one storage backend for write visibility.
type Adapter interface {
	// FindVisible reports whether the write identified by bid can be
	// observed in the backend's data path. It must not mutate the backend.
	// A definitive "not found" is reported as false with a nil error.
	FindVisible(ctx context.Context, bid string) (bool, error)
	// ScanPending returns one bounded page of metadata records that are still
	// inside the consistency window, beginning at cursor, together with the
	// cursor to resume from.
	ScanPending(ctx context.Context, cursor Cursor) ([]MetadataRecord, Cursor, error)
}

// Checker is implemented by adapters able to verify their connectivity.
type Checker interface {
	Check(ctx context.Context) error
}

var (
	// ErrUnavailable marks transient backend failures which are worth retrying.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrUnknownTag is returned when no adapter serves a tag and there is no
	// default adapter to fall back to.
	ErrUnknownTag = errors.New("no backend registered for tag")
)

type unavailableError struct {
	err error
}

func (e unavailableError) Error() string {
	return fmt.Sprintf("%v: %v", ErrUnavailable, e.err)
}

func (e unavailableError) Unwrap() error { return e.err }

func (e unavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds while
// the original cause stays reachable through errors.Unwrap.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return unavailableError{err: err}
}

// DefaultTag is the tag of the adapter used for untagged branches.
const DefaultTag = ""

// Registry maps tags to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds the adapter serving tag, replacing a previous registration.
func (r *Registry) Register(tag string, adapter Adapter) {
	r.adapters[tag] = adapter
}

// Get returns the adapter registered under tag. Tags without a dedicated
// adapter fall back to the default adapter.
func (r *Registry) Get(tag string) (Adapter, error) {
	if adapter, ok := r.adapters[tag]; ok {
		return adapter, nil
	}

	if adapter, ok := r.adapters[DefaultTag]; ok {
		return adapter, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.adapters)
}
