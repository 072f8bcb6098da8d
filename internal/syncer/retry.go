package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.io/infrasutra/inboxsync/internal/mailbox"
	"github.io/infrasutra/inboxsync/internal/store"
)

// Synchronizer runs one pass, see Driver.
type Synchronizer interface {
	Synchronize(ctx context.Context, account store.Account) (Result, error)
}

type AccountLoader interface {
	GetAccount(ctx context.Context, id int64) (store.Account, error)
}

// Notifier tells an administrator about a sync that gave up.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

type RetryOptions struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Runner retries passes that died on a lost connection.
type Runner struct {
	driver   Synchronizer
	accounts AccountLoader
	notifier Notifier
	logger   *slog.Logger
	opts     RetryOptions
}

func NewRunner(driver Synchronizer, accounts AccountLoader, notifier Notifier, logger *slog.Logger, opts RetryOptions) *Runner {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	return &Runner{
		driver:   driver,
		accounts: accounts,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// Run loads the account and synchronizes it. It is the entry point for
// dispatched tasks and reports only through logs and events.
func (r *Runner) Run(ctx context.Context, accountID int64) {
	account, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("sync requested for unknown account", "account_id", accountID)
			return
		}
		r.logger.Error("load account", "account_id", accountID, "error", err)
		return
	}
	r.RunWithRetries(ctx, account)
}

// RunWithRetries synchronizes the account, retrying after a backoff when the
// pass failed on a transport abort. Other failures end the run at once.
// It never returns an error.
func (r *Runner) RunWithRetries(ctx context.Context, account store.Account) {
	logger := r.logger.With("account_id", account.ID, "email", account.Email)

	for attempt := 1; ; attempt++ {
		result, err := r.driver.Synchronize(ctx, account)
		if err == nil {
			logger.Info("sync succeeded", "attempt", attempt, "stored", result.Stored, "skipped", result.Skipped)
			return
		}
		if ctx.Err() != nil {
			logger.Warn("sync cancelled", "attempt", attempt, "error", err)
			return
		}
		if !mailbox.IsTransportAbort(err) {
			logger.Error("sync failed", "attempt", attempt, "error", err)
			r.notify(ctx, logger, account, err)
			return
		}
		if attempt >= r.opts.MaxAttempts {
			logger.Error("sync aborted, retries exhausted", "attempts", attempt, "error", err)
			r.notify(ctx, logger, account, err)
			return
		}

		logger.Warn("connection aborted, retrying", "attempt", attempt, "backoff", r.opts.Backoff, "error", err)
		if err := sleep(ctx, r.opts.Backoff); err != nil {
			logger.Warn("sync cancelled", "attempt", attempt, "error", err)
			return
		}
	}
}

func (r *Runner) notify(ctx context.Context, logger *slog.Logger, account store.Account, cause error) {
	if r.notifier == nil {
		return
	}
	subject := fmt.Sprintf("Mail sync failed for %s", account.Email)
	body := fmt.Sprintf("Synchronization of %s (account %d, provider %s) stopped: %v\n",
		account.Email, account.ID, account.Provider, cause)
	if err := r.notifier.Notify(ctx, subject, body); err != nil {
		logger.Error("notify administrator", "error", err)
	}
}
