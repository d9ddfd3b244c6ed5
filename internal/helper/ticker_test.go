package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerTicker(t *testing.T) {
	ticker := NewTimerTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		t.Fatal("ticker ticked before Reset")
	case <-time.After(30 * time.Millisecond):
	}

	ticker.Reset()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not tick after Reset")
	}
}

func TestCountTicker(t *testing.T) {
	stopped := false
	ticker := NewCountTicker(2, func() { stopped = true })

	for i := 0; i < 2; i++ {
		ticker.Reset()
		<-ticker.C()
		require.False(t, stopped)
	}

	ticker.Reset()
	require.True(t, stopped)
}

func TestTimerTicker_stop(t *testing.T) {
	ticker := NewTimerTicker(10 * time.Millisecond)

	ticker.Reset()
	ticker.Stop()

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker ticked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerTicker_resetDiscardsPendingTick(t *testing.T) {
	ticker := NewTimerTicker(time.Hour)
	defer ticker.Stop()

	ticker.(*timerTicker).c <- time.Now()
	ticker.Reset()

	select {
	case <-ticker.C():
		t.Fatal("pending tick survived Reset")
	default:
	}
}
