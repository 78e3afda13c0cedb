package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/consultation-backend/pkg/types"
)

// TimedOutReason is the failure reason of a job that didn't finish within
// the polling budget.
const TimedOutReason = "timed out"

// WatchStageJobWorkflowParam defines the parameters for WatchStageJobWorkflow
type WatchStageJobWorkflowParam struct {
	JobID        string
	Kind         types.JobKind
	PollInterval time.Duration
	MaxPolls     int
}

// StageJobWorkflowID is the workflow id watching a job. One workflow runs
// per job.
func StageJobWorkflowID(jobID string) string {
	return fmt.Sprintf("stage-job-%s", jobID)
}

// WatchStageJobWorkflow polls an engine job until it reaches a terminal
// state and reports the completion. A job still running after MaxPolls
// polls, or unknown to the engine, is reported FAILED.
func (w *Worker) WatchStageJobWorkflow(ctx workflow.Context, param WatchStageJobWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting WatchStageJobWorkflow", "jobID", param.JobID, "kind", param.Kind)

	interval := param.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxPolls := param.MaxPolls
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	})

	var outcome types.JobOutcome
	for poll := 1; ; poll++ {
		var state types.JobOutcome
		err := workflow.ExecuteActivity(ctx, w.GetJobStateActivity, &GetJobStateActivityParam{
			JobID: param.JobID,
			Kind:  param.Kind,
		}).Get(ctx, &state)

		var appErr *temporal.ApplicationError
		switch {
		case err == nil && state.Status.IsTerminal():
			outcome = state
		case err != nil && errors.As(err, &appErr) && appErr.NonRetryable():
			outcome = types.JobOutcome{Status: types.JobStatusFailed, Reason: appErr.Message()}
		case err != nil:
			logger.Warn("Job state poll failed", "jobID", param.JobID, "poll", poll, "error", err)
		}
		if outcome.Status != "" {
			break
		}

		if poll >= maxPolls {
			outcome = types.JobOutcome{Status: types.JobStatusFailed, Reason: TimedOutReason}
			break
		}
		if err := workflow.Sleep(ctx, interval); err != nil {
			return err
		}
	}

	err := workflow.ExecuteActivity(ctx, w.PublishJobCompletionActivity, &PublishJobCompletionActivityParam{
		JobID:   param.JobID,
		Outcome: outcome,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("Failed to publish job completion", "jobID", param.JobID, "error", err)
		return err
	}

	logger.Info("WatchStageJobWorkflow completed", "jobID", param.JobID, "status", outcome.Status)
	return nil
}

// WorkflowStarter starts workflow executions. client.Client implements it.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
}

// JobWatcher starts the workflow watching a submitted engine job.
type JobWatcher struct {
	starter      WorkflowStarter
	worker       *Worker
	pollInterval time.Duration
	maxPolls     int
}

// NewJobWatcher creates a new JobWatcher instance
func NewJobWatcher(starter WorkflowStarter, worker *Worker, pollInterval time.Duration, maxPolls int) *JobWatcher {
	return &JobWatcher{
		starter:      starter,
		worker:       worker,
		pollInterval: pollInterval,
		maxPolls:     maxPolls,
	}
}

// WatchJob starts the watching workflow of a job. A job that is already
// watched isn't watched twice.
func (j *JobWatcher) WatchJob(ctx context.Context, jobID string, kind types.JobKind) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                    StageJobWorkflowID(jobID),
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,

		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	_, err := j.starter.ExecuteWorkflow(ctx, workflowOptions, j.worker.WatchStageJobWorkflow, WatchStageJobWorkflowParam{
		JobID:        jobID,
		Kind:         kind,
		PollInterval: j.pollInterval,
		MaxPolls:     j.maxPolls,
	})

	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &alreadyStarted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting watcher of job %s: %w", jobID, err)
	}
	return nil
}
