package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/soaringjerry/Elicit/internal/metrics"
)

// Transcriber turns a stored voice message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaRef string) (string, error)
}

// ErrAsyncTranscription is returned by transcribers whose provider calls back
// later through OnTranscribed instead of answering inline.
var ErrAsyncTranscription = errors.New("transcription will be delivered asynchronously")

// TranscriptionDispatcher runs transcription jobs off the conversation path.
// Results are handed to deliver, which must not block on the conversation lock.
type TranscriptionDispatcher struct {
	transcriber Transcriber
	deliver     func(ctx context.Context, job TranscriptionJob, text string) error
	sem         *semaphore.Weighted
	breaker     *cb.CircuitBreaker
	log         *zap.Logger
	metrics     *metrics.Recorder
	maxRetries  uint64
	timeout     time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type TranscriptionConfig struct {
	Concurrency int64
	MaxRetries  uint64
	Timeout     time.Duration
}

func NewTranscriptionDispatcher(t Transcriber, cfg TranscriptionConfig, log *zap.Logger, rec *metrics.Recorder) *TranscriptionDispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &TranscriptionDispatcher{
		transcriber: t,
		sem:         semaphore.NewWeighted(cfg.Concurrency),
		log:         log.With(zap.String("module", "transcription")),
		metrics:     rec,
		maxRetries:  cfg.MaxRetries,
		timeout:     cfg.Timeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	d.breaker = cb.NewCircuitBreaker(cb.Settings{
		Name:        "transcriber",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAsyncTranscription)
		},
		OnStateChange: func(name string, from, to cb.State) {
			d.log.Warn("circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return d
}

// Dispatch starts job in the background and returns immediately.
func (d *TranscriptionDispatcher) Dispatch(job TranscriptionJob) {
	if d == nil || d.transcriber == nil || job.MediaRef == "" {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		d.run(job)
	}()
}

func (d *TranscriptionDispatcher) run(job TranscriptionJob) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	var text string
	op := func() error {
		out, err := d.breaker.Execute(func() (interface{}, error) {
			return d.transcriber.Transcribe(ctx, job.MediaRef)
		})
		if errors.Is(err, ErrAsyncTranscription) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, cb.ErrOpenState) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		text, _ = out.(string)
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxRetries), ctx)
	err := backoff.Retry(op, bo)
	switch {
	case errors.Is(err, ErrAsyncTranscription):
		d.metrics.Transcription("deferred")
		return
	case err != nil:
		d.metrics.Transcription("failed")
		d.log.Warn("transcription failed", zap.String("response_id", job.ResponseID), zap.Error(err))
		return
	}
	if d.deliver == nil {
		return
	}
	if err := d.deliver(ctx, job, text); err != nil {
		d.metrics.Transcription("undelivered")
		d.log.Warn("transcription not applied", zap.String("response_id", job.ResponseID), zap.Error(err))
		return
	}
	d.metrics.Transcription("ok")
}

// Close cancels pending jobs and waits for running ones.
func (d *TranscriptionDispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}
