package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.io/infrasutra/inboxsync/internal/store"
)

type AccountLister interface {
	ListAccounts(ctx context.Context) ([]store.Account, error)
}

type Dispatch interface {
	Dispatch(accountID int64) (bool, error)
}

// Scheduler periodically queues a synchronization of every account.
type Scheduler struct {
	accounts   AccountLister
	dispatcher Dispatch
	interval   time.Duration
	logger     *slog.Logger
}

func NewScheduler(accounts AccountLister, dispatcher Dispatch, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{accounts: accounts, dispatcher: dispatcher, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables the
// schedule and Run returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.logger.Info("periodic sync enabled", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every account once and returns how many tasks were queued.
func (s *Scheduler) Tick(ctx context.Context) int {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("list accounts", "error", err)
		return 0
	}
	queued := 0
	for _, account := range accounts {
		ok, err := s.dispatcher.Dispatch(account.ID)
		if err != nil {
			s.logger.Warn("dispatch sync", "account_id", account.ID, "error", err)
			return queued
		}
		if ok {
			queued++
		}
	}
	s.logger.Debug("scheduled sync", "accounts", len(accounts), "queued", queued)
	return queued
}
