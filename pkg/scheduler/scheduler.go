// Package scheduler fans one timer trigger out into bounded-concurrency
// import runs across all authorized user/platform pairs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	shared "github.com/vitalsync/server/pkg"
	"github.com/vitalsync/server/pkg/types"
)

// Runner executes (or enqueues) one import task.
type Runner interface {
	Run(ctx context.Context, task types.ImportTask) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task types.ImportTask) error

func (f RunnerFunc) Run(ctx context.Context, task types.ImportTask) error {
	return f(ctx, task)
}

// PassSummary reports one fan-out pass.
type PassSummary struct {
	Eligible int
	Failed   int
}

// FanOut enumerates all ReadyToImport platform links once per trigger and
// invokes the runner per pair. Simultaneous runs are capped by a weighted
// semaphore; pairs beyond the ceiling wait for a slot rather than being
// dropped.
type FanOut struct {
	users  shared.UserStore
	runner Runner
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewFanOut builds a scheduler with the given concurrency ceiling. A ceiling
// below 1 is treated as 1.
func NewFanOut(users shared.UserStore, runner Runner, maxConcurrency int64, logger *slog.Logger) *FanOut {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &FanOut{
		users:  users,
		runner: runner,
		sem:    semaphore.NewWeighted(maxConcurrency),
		logger: logger.With("component", "scheduler"),
	}
}

// RunPass executes one fan-out pass. Individual run failures are logged and
// counted; they never abort the pass for the remaining pairs. Cancellation
// stops admission of new pairs promptly.
func (f *FanOut) RunPass(ctx context.Context) (*PassSummary, error) {
	users, err := f.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	summary := &PassSummary{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, user := range users {
		for _, link := range user.Platforms {
			if link.State != types.StateReadyToImport {
				continue
			}

			task := types.ImportTask{
				UserID:         user.UserID,
				PlatformUserID: link.PlatformUserID,
				PlatformName:   link.PlatformName,
			}
			summary.Eligible++

			if err := f.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return summary, err
			}
			wg.Add(1)
			go func() {
				defer f.sem.Release(1)
				defer wg.Done()

				if err := f.runner.Run(ctx, task); err != nil {
					f.logger.Warn("Import run failed", "user_id", task.UserID, "platform", task.PlatformName, "error", err)
					mu.Lock()
					summary.Failed++
					mu.Unlock()
				}
			}()
		}
	}

	wg.Wait()
	f.logger.Info("Fan-out pass complete", "eligible", summary.Eligible, "failed", summary.Failed)
	return summary, nil
}
