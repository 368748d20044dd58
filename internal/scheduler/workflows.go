package scheduler

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout  = 30 * time.Second
	defaultTickEvery = time.Minute
)

// activityRef is a nil *Activities used only to obtain bound method values
// for ExecuteActivity: Temporal resolves the activity by the name reflected
// off the method value, the same name a bound method value on a real
// *Activities produces when passed to RegisterActivity, so the receiver
// itself is never dereferenced here.
var activityRef *Activities

// SweepInput configures SweepWorkflow. Interval defaults to defaultTickEvery
// when zero.
type SweepInput struct {
	Interval time.Duration
}

// SweepWorkflow sleeps for Interval, runs one reset+rollover sweep, then
// continues as a new run. Continue-as-new keeps the workflow's history from
// growing unbounded across an instance's lifetime, the same durability
// tradeoff the dispatcher workflow made for escalation loops.
func SweepWorkflow(ctx workflow.Context, input SweepInput) error {
	if input.Interval <= 0 {
		input.Interval = defaultTickEvery
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	if err := workflow.NewTimer(ctx, input.Interval).Get(ctx, nil); err != nil {
		return err
	}

	var result SweepResult
	if err := workflow.ExecuteActivity(ctx, activityRef.ResetDueQuotaWindows).Get(ctx, &result.ResetCredentialWindows); err != nil {
		return err
	}
	if err := workflow.ExecuteActivity(ctx, activityRef.RolloverDueBudgets).Get(ctx, &result.RolledOverBudgetIDs); err != nil {
		return err
	}

	return workflow.NewContinueAsNewError(ctx, SweepWorkflow, input)
}
