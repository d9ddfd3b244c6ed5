package helper

import "time"

// Ticker paces periodic loops such as the reconciliation scanner. A loop
// calls Reset before it waits on C, so every interval starts when the
// previous pass has finished.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

// NewTimerTicker returns a Ticker that fires once, interval after each Reset.
// It does not fire before the first Reset.
func NewTimerTicker(interval time.Duration) Ticker {
	return &timerTicker{interval: interval, c: make(chan time.Time, 1)}
}

type timerTicker struct {
	interval time.Duration
	c        chan time.Time
	timer    *time.Timer
}

func (tt *timerTicker) C() <-chan time.Time { return tt.c }

// Reset discards a pending tick and arms the timer again.
func (tt *timerTicker) Reset() {
	tt.Stop()

	select {
	case <-tt.c:
	default:
	}

	c := tt.c
	tt.timer = time.AfterFunc(tt.interval, func() {
		select {
		case c <- time.Now():
		default:
		}
	})
}

func (tt *timerTicker) Stop() {
	if tt.timer != nil {
		tt.timer.Stop()
	}
}

// ManualTicker only ticks when Tick is called. Monitor tests use it to
// trigger scans deterministically.
type ManualTicker struct {
	c       chan time.Time
	onReset func()
}

// NewManualTicker returns a ManualTicker whose Reset and Stop do nothing.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{c: make(chan time.Time, 1)}
}

func (mt *ManualTicker) C() <-chan time.Time { return mt.c }

func (mt *ManualTicker) Stop() {}

func (mt *ManualTicker) Reset() {
	if mt.onReset != nil {
		mt.onReset()
	}
}

// Tick queues a tick. It blocks while the previous one is unconsumed.
func (mt *ManualTicker) Tick() { mt.c <- time.Now() }

// NewCountTicker returns a ManualTicker that ticks on its first n resets,
// letting a loop run exactly n passes. Every later Reset calls done instead,
// which is typically the cancel func of the loop's context.
func NewCountTicker(n int, done func()) *ManualTicker {
	mt := NewManualTicker()
	mt.onReset = func() {
		if n == 0 {
			done()
			return
		}

		n--
		mt.Tick()
	}

	return mt
}
