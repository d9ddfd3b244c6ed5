package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingSet(t *testing.T) {
	pending := NewPendingSet()

	b1 := BranchKey{BID: "b1"}
	b2 := BranchKey{BID: "b2", Tag: "orders"}
	b2default := BranchKey{BID: "b2"}

	pending.Add(b2, b1, b2default, b1)
	require.Equal(t, 3, pending.Len())
	require.True(t, pending.Contains(b1))

	snapshot, ok := pending.Wait()
	require.True(t, ok)
	require.Equal(t, []BranchKey{b1, b2default, b2}, snapshot)

	// the snapshot is a copy
	pending.Remove(b1)
	require.False(t, pending.Contains(b1))
	require.Len(t, snapshot, 3)

	pending.Clear()
	require.Equal(t, 0, pending.Len())
}

func TestPendingSet_Wait_wakesOnAdd(t *testing.T) {
	pending := NewPendingSet()

	result := make(chan []BranchKey)
	go func() {
		snapshot, _ := pending.Wait()
		result <- snapshot
	}()

	select {
	case <-result:
		t.Fatal("Wait returned on an empty set")
	case <-time.After(10 * time.Millisecond):
	}

	pending.Add(BranchKey{BID: "b1"})
	require.Equal(t, []BranchKey{{BID: "b1"}}, <-result)
}

func TestPendingSet_Wait_wakesOnStop(t *testing.T) {
	pending := NewPendingSet()

	const waiters = 3
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, ok := pending.Wait()
			results <- ok
		}()
	}

	pending.Stop()
	pending.Stop()

	for i := 0; i < waiters; i++ {
		require.False(t, <-results)
	}

	// a stopped set stays stopped even when entries are added
	pending.Add(BranchKey{BID: "b1"})
	_, ok := pending.Wait()
	require.False(t, ok)
}

func TestPendingSet_Clear_keepsWaitersBlocked(t *testing.T) {
	pending := NewPendingSet()
	pending.Add(BranchKey{BID: "b1"})
	pending.Clear()

	done := make(chan bool)
	go func() {
		_, ok := pending.Wait()
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("Wait returned on a cleared set")
	case <-time.After(10 * time.Millisecond):
	}

	pending.Stop()
	require.False(t, <-done)
}
