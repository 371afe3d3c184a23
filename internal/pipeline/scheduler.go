package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrScheduleDone is returned by a Scheduler that has no more ticks to give
var ErrScheduleDone = errors.New("schedule complete")

// Scheduler paces the loop. Next blocks until the next tick is due.
type Scheduler interface {
	Next(ctx context.Context) error
	Stop()
}

// TickerScheduler releases ticks at a fixed rate. Ticks that fall behind
// are dropped rather than queued.
type TickerScheduler struct {
	ticker *time.Ticker
	first  bool
}

// NewTickerScheduler creates a scheduler ticking fps times per second
func NewTickerScheduler(fps int) *TickerScheduler {
	if fps <= 0 {
		fps = 30
	}
	return &TickerScheduler{
		ticker: time.NewTicker(time.Second / time.Duration(fps)),
		first:  true,
	}
}

// Next waits for the ticker. The first call returns immediately.
func (s *TickerScheduler) Next(ctx context.Context) error {
	if s.first {
		s.first = false
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ticker.C:
		return nil
	}
}

// Stop releases the ticker
func (s *TickerScheduler) Stop() {
	s.ticker.Stop()
}

// ImmediateScheduler runs ticks back to back, up to Limit ticks when Limit
// is positive.
type ImmediateScheduler struct {
	Limit int
	n     int
}

// NewImmediateScheduler creates a scheduler for limit ticks (0 = unlimited)
func NewImmediateScheduler(limit int) *ImmediateScheduler {
	return &ImmediateScheduler{Limit: limit}
}

func (s *ImmediateScheduler) Next(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Limit > 0 && s.n >= s.Limit {
		return ErrScheduleDone
	}
	s.n++
	return nil
}

func (s *ImmediateScheduler) Stop() {}
