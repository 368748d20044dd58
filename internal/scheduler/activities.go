package scheduler

import (
	"context"
	"time"

	"github.com/jordanhubbard/llmrouter/internal/cost"
	"github.com/jordanhubbard/llmrouter/internal/quota"
)

// SweepResult reports what one sweep activity did, for the workflow's
// history and for tests.
type SweepResult struct {
	ResetCredentialWindows []quota.DueKey
	RolledOverBudgetIDs    []string
}

// Activities binds the quota and cost components the sweep workflow drives.
type Activities struct {
	Quota *quota.Engine
	Cost  *cost.Controller
}

// ResetDueQuotaWindows finds every (credential, window) pair whose reset
// instant has passed and whose tier is below Abundant, and resets it.
func (a *Activities) ResetDueQuotaWindows(ctx context.Context) ([]quota.DueKey, error) {
	due := a.Quota.DueForReset(time.Now())
	for _, k := range due {
		if err := a.Quota.Reset(ctx, k.CredentialID, k.Window); err != nil {
			return nil, err
		}
	}
	return due, nil
}

// RolloverDueBudgets resets spend on every budget whose window has elapsed.
func (a *Activities) RolloverDueBudgets(ctx context.Context) ([]string, error) {
	return a.Cost.RolloverDue(time.Now()), nil
}
