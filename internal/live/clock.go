package live

import (
	"context"
	"time"
)

// Clock schedules deferred work for the coordinator and the retry loop.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
	Sleep(ctx context.Context, d time.Duration) error
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock is backed by the runtime timers.
var RealClock Clock = realClock{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
