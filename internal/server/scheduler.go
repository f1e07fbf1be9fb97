package server

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/scout/internal/pipeline"
	"github.com/mohammad-safakhou/scout/internal/store"
)

// Scheduler periodically triggers discovery runs for users whose cron spec
// says they are due.
type Scheduler struct {
	Store       *store.Store
	Rdb         *redis.Client
	Orch        Trigger
	Interval    time.Duration
	DefaultCron string
	Stop        chan struct{}

	logger *log.Logger
}

func (s *Scheduler) Start() {
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	users, err := s.Store.ListUserIDs(ctx)
	if err != nil {
		s.logger.Printf("listing users: %v", err)
		return
	}
	for _, userID := range users {
		settings, err := s.Store.GetUserSettings(ctx, userID)
		if err != nil {
			s.logger.Printf("settings for %s: %v", userID, err)
			continue
		}
		cron := s.DefaultCron
		if cron == "" {
			cron = "@daily"
		}
		if !isDue(cron, settings.LastCheckAt) {
			continue
		}

		// distributed lock to avoid duplicate fires across replicas
		if s.Rdb != nil {
			lockKey := "sched:lock:" + userID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		runID, err := s.Orch.Start(ctx, userID)
		if err != nil {
			if errors.Is(err, pipeline.ErrRunActive) {
				continue
			}
			s.logger.Printf("scheduled run for %s not started: %v", userID, err)
			continue
		}
		s.logger.Printf("scheduled run %s for user %s", runID, userID)
	}
}

// isDue determines whether a user with cronSpec should run now given the
// last completed check. Supports "@daily", "@hourly", and standard 5-field
// cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Invalid spec falls back to @daily semantics.
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
