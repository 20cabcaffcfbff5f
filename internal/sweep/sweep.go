// Package sweep expires conversations left waiting too long and prunes old
// processed-message records on a cron schedule.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/metrics"
	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// Expirer applies the expiry transition to one conversation.
type Expirer interface {
	Expire(ctx context.Context, userID, projectID string, cutoff time.Time) (bool, error)
}

type Config struct {
	Spec       string
	StaleAfter time.Duration
	Retention  time.Duration
}

type Sweeper struct {
	store   store.Store
	engine  Expirer
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

func New(s store.Store, e Expirer, cfg Config, log *zap.Logger, rec *metrics.Recorder) *Sweeper {
	if cfg.Spec == "" {
		cfg.Spec = "@every 5m"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:   s,
		engine:  e,
		cfg:     cfg,
		log:     log.With(zap.String("module", "sweep")),
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Result counts what one pass changed.
type Result struct {
	Expired int
	Pruned  int
}

// RunOnce performs a single pass. A conversation that fails to expire is
// logged and retried on the next pass.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)

	var stale []*models.ConversationState
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		stale, err = tx.ListStaleConversations(ctx, cutoff)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("list stale conversations: %w", err)
	}
	for _, st := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ok, err := s.engine.Expire(ctx, st.UserID, st.ProjectID, cutoff)
		if err != nil {
			s.log.Warn("expire conversation", zap.String("user_id", st.UserID), zap.String("project_id", st.ProjectID), zap.Error(err))
			continue
		}
		if ok {
			res.Expired++
		}
	}
	s.metrics.Expired(res.Expired)

	if s.cfg.Retention > 0 {
		err = s.store.Atomic(ctx, "", func(tx store.Tx) error {
			n, err := tx.PruneProcessedMessages(ctx, now.Add(-s.cfg.Retention))
			res.Pruned = n
			return err
		})
		if err != nil {
			return res, fmt.Errorf("prune processed messages: %w", err)
		}
		s.metrics.Pruned(res.Pruned)
	}
	return res, nil
}

// Run schedules RunOnce until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		res, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error("sweep failed", zap.Error(err))
			return
		}
		if res.Expired > 0 || res.Pruned > 0 {
			s.log.Info("sweep done", zap.Int("expired", res.Expired), zap.Int("pruned", res.Pruned))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
