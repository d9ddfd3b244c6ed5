// Package backendtest provides a scriptable in-memory backend adapter.
package backendtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"gitlab.com/rendezvous/rendezvous-monitor/internal/backend"
)

// Adapter is an in-memory backend.Adapter. Visibility answers are scripted
// per bid and scan results are served from a fixed list of pages.
type Adapter struct {
	mu        sync.Mutex
	visible   map[string][]bool
	findErrs  map[string][]error
	findCalls map[string]int
	pages     [][]backend.MetadataRecord
	scanErr   error
	cursors   []backend.Cursor
}

// NewAdapter returns an adapter for which every bid is invisible and every
// scan returns an empty final page.
func NewAdapter() *Adapter {
	return &Adapter{
		visible:   make(map[string][]bool),
		findErrs:  make(map[string][]error),
		findCalls: make(map[string]int),
	}
}

// SetVisible scripts the answers of FindVisible for bid. Answers are consumed
// one per call and the last one repeats.
func (a *Adapter) SetVisible(bid string, answers ...bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visible[bid] = answers
}

// SetFindErrors scripts errors returned by FindVisible for bid before the
// visibility answers are consulted. A nil entry falls through to them.
func (a *Adapter) SetFindErrors(bid string, errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.findErrs[bid] = errs
}

// AddPage appends a page served by ScanPending.
func (a *Adapter) AddPage(records ...backend.MetadataRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages = append(a.pages, records)
}

// SetScanError makes every following ScanPending call fail with err.
func (a *Adapter) SetScanError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanErr = err
}

// FindCalls returns how often FindVisible was called for bid.
func (a *Adapter) FindCalls(bid string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findCalls[bid]
}

// ScannedCursors returns the cursors ScanPending was called with, in order.
func (a *Adapter) ScannedCursors() []backend.Cursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]backend.Cursor(nil), a.cursors...)
}

// FindVisible implements backend.Adapter.
func (a *Adapter) FindVisible(ctx context.Context, bid string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	call := a.findCalls[bid]
	a.findCalls[bid]++

	if errs := a.findErrs[bid]; call < len(errs) && errs[call] != nil {
		return false, errs[call]
	}

	answers := a.visible[bid]
	switch {
	case len(answers) == 0:
		return false, nil
	case call < len(answers):
		return answers[call], nil
	default:
		return answers[len(answers)-1], nil
	}
}

// ScanPending implements backend.Adapter. Cursors are page indices.
func (a *Adapter) ScanPending(ctx context.Context, cursor backend.Cursor) ([]backend.MetadataRecord, backend.Cursor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cursors = append(a.cursors, cursor)

	if a.scanErr != nil {
		return nil, cursor, a.scanErr
	}

	page := 0
	if cursor != backend.StartCursor {
		var err error
		if page, err = strconv.Atoi(string(cursor)); err != nil || page < 0 || page >= len(a.pages) {
			return nil, backend.StartCursor, fmt.Errorf("invalid cursor %q", cursor)
		}
	}

	if len(a.pages) == 0 {
		return nil, backend.StartCursor, nil
	}

	records := append([]backend.MetadataRecord(nil), a.pages[page]...)

	next := backend.StartCursor
	if page+1 < len(a.pages) {
		next = backend.Cursor(strconv.Itoa(page + 1))
	}

	return records, next, nil
}

