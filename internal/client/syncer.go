package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrDeferred is returned when a sync step ran out of attempts. Nothing was
// lost: pending mutations stay in the log for the next cycle.
var ErrDeferred = errors.New("sync deferred")

// Options tunes a Syncer.
type Options struct {
	DeviceID string
	// MaxBatch bounds the mutations sent in one push request.
	MaxBatch int
	// MaxAttachmentBatch bounds batches that reference photos.
	MaxAttachmentBatch int
	// MaxAttempts is how many times one request is tried per cycle.
	MaxAttempts int
	BaseDelay   time.Duration
	// PullLimit is the page size asked of the server; zero means its default.
	PullLimit int
}

func (o *Options) defaults() {
	if o.MaxBatch <= 0 {
		o.MaxBatch = 50
	}
	if o.MaxAttachmentBatch <= 0 || o.MaxAttachmentBatch > o.MaxBatch {
		o.MaxAttachmentBatch = min(5, o.MaxBatch)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
}

// Syncer drives push and pull for one device. Each runs single-flight: a
// call made while one is in progress waits for it and shares its result.
// A push and a pull never run at the same time.
type Syncer struct {
	log       *Log
	transport Transport
	opts      Options
	group     singleflight.Group
	// cycle is held by whichever of push or pull is running.
	cycle sync.Mutex

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncer returns a Syncer for the device in opts.
func NewSyncer(log *Log, transport Transport, opts Options) *Syncer {
	opts.defaults()
	return &Syncer{log: log, transport: transport, opts: opts, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result summarizes one sync cycle.
type Result struct {
	Batches   int
	Accepted  int
	Rejected  int
	Conflicts int
	Pulled    int
}

// Sync pushes every pending mutation and then pulls the server's changes.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	res, err := s.Push(ctx)
	if err != nil {
		return res, err
	}
	res.Pulled, err = s.Pull(ctx)
	if err != nil {
		return res, err
	}
	slog.Info("sync complete", "device", s.opts.DeviceID, "batches", res.Batches,
		"accepted", res.Accepted, "rejected", res.Rejected, "conflicts", res.Conflicts, "pulled", res.Pulled)
	return res, nil
}

// Push sends pending mutations batch by batch.
func (s *Syncer) Push(ctx context.Context) (Result, error) {
	v, err, _ := s.group.Do("push", func() (any, error) {
		s.cycle.Lock()
		defer s.cycle.Unlock()
		return s.push(ctx)
	})
	return v.(Result), err
}

// Pull brings the local cache up to date and returns the number of changes
// applied.
func (s *Syncer) Pull(ctx context.Context) (int, error) {
	v, err, _ := s.group.Do("pull", func() (any, error) {
		s.cycle.Lock()
		defer s.cycle.Unlock()
		return s.pull(ctx)
	})
	return v.(int), err
}

// attempt runs op until it succeeds, fails permanently or runs out of
// attempts.
func (s *Syncer) attempt(ctx context.Context, what string, op func(ctx context.Context) error) error {
	r := retry{max: s.opts.MaxAttempts, base: s.opts.BaseDelay}
	for {
		err := op(ctx)
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		delay, ok := r.Next()
		if !ok {
			slog.Warn("giving up until next sync", "device", s.opts.DeviceID, "step", what, "attempts", r.attempt, "error", err)
			return fmt.Errorf("%w: %s failed %d times: %v", ErrDeferred, what, r.attempt, err)
		}
		slog.Warn("retrying", "device", s.opts.DeviceID, "step", what, "attempt", r.attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %s interrupted: %v", ErrDeferred, what, err)
		}
	}
}
