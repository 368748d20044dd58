package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/llmrouter/internal/quota"
)

// actsRef is a nil *Activities pointer used only to obtain bound method
// references for Temporal mock registration; the SDK extracts the method
// name via reflection and never invokes the receiver directly.
var actsRef *Activities

func TestSweepWorkflow_TicksThenContinuesAsNew(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ResetDueQuotaWindows, mock.Anything).
		Return([]quota.DueKey{{CredentialID: "c1", Window: quota.Daily}}, nil)
	env.OnActivity(actsRef.RolloverDueBudgets, mock.Anything).
		Return([]string{"budget-1"}, nil)

	env.ExecuteWorkflow(SweepWorkflow, SweepInput{Interval: time.Minute})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var canErr *workflow.ContinueAsNewError
	require.ErrorAs(t, err, &canErr)
}

func TestSweepWorkflow_DefaultsIntervalWhenZero(t *testing.T) {
	suite := &testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	env.OnActivity(actsRef.ResetDueQuotaWindows, mock.Anything).Return(nil, nil)
	env.OnActivity(actsRef.RolloverDueBudgets, mock.Anything).Return(nil, nil)

	env.ExecuteWorkflow(SweepWorkflow, SweepInput{})

	require.True(t, env.IsWorkflowCompleted())
	var canErr *workflow.ContinueAsNewError
	require.ErrorAs(t, env.GetWorkflowError(), &canErr)
}
