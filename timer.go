package tcc

import (
	"math"
	"time"
)

// Timer decides when a failed retry fires again.
type Timer interface {
	CalcRetryTime(times int, minInterval time.Duration) time.Time
}

// FixedTimer retries after a constant interval.
type FixedTimer struct{}

func (t *FixedTimer) CalcRetryTime(times int, minInterval time.Duration) time.Time {
	return time.Now().Add(minInterval)
}

// DoubleTimer doubles the interval on every attempt, starting at one second.
type DoubleTimer struct {
}

func (t *DoubleTimer) CalcRetryTime(times int, minInterval time.Duration) time.Time {
	interval := time.Duration(math.Pow(2, float64(times))) * time.Second
	if interval < minInterval {
		interval = minInterval
	}

	return time.Now().Add(interval)
}

func newTimer(name string) Timer {
	if name == "double" {
		return &DoubleTimer{}
	}
	return &FixedTimer{}
}
