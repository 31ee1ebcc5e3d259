package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/models"
)

// Job outcomes reported to metrics.
const (
	OutcomeLinked  = "linked"
	OutcomeRetry   = "retry"
	OutcomeErrored = "errored"
	OutcomeSkipped = "skipped"
)

const (
	kindLinkPending = "link_pending_learner"
	linkJobTimeout  = 30 * time.Second
	linkJobAttempts = 5
)

// LinkPendingLearnerArgs asks the LMS to create a pending enterprise user for
// an assignment's learner email.
type LinkPendingLearnerArgs struct {
	AssignmentUUID         uuid.UUID `json:"assignment_uuid"`
	EnterpriseCustomerUUID uuid.UUID `json:"enterprise_customer_uuid"`
	LearnerEmail           string    `json:"learner_email"`
}

func (LinkPendingLearnerArgs) Kind() string { return kindLinkPending }

func (LinkPendingLearnerArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: linkJobAttempts}
}

// AssignmentService defines the contract the worker needs to link learners
// and report failures.
type AssignmentService interface {
	// LinkPendingLearner returns linked=false when the assignment no longer
	// needs linking.
	LinkPendingLearner(ctx context.Context, args LinkPendingLearnerArgs) (linked bool, err error)
	MarkAssignmentErrored(ctx context.Context, assignmentUUID uuid.UUID, reason string) error
}

// JobRecorder receives one call per job attempt.
type JobRecorder interface {
	ObserveJob(kind, outcome string)
}

type LinkPendingLearnerWorker struct {
	river.WorkerDefaults[LinkPendingLearnerArgs]
	assignments AssignmentService
	metrics     JobRecorder
	logger      *slog.Logger
}

func NewLinkPendingLearnerWorker(assignments AssignmentService, metrics JobRecorder, logger *slog.Logger) *LinkPendingLearnerWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkPendingLearnerWorker{assignments: assignments, metrics: metrics, logger: logger}
}

func (w *LinkPendingLearnerWorker) Timeout(*river.Job[LinkPendingLearnerArgs]) time.Duration {
	return linkJobTimeout
}

// Work retries failures until the job's last attempt. Only an upstream 4xx
// is permanent; it, or running out of attempts, marks the assignment errored.
// A missing assignment cancels the job.
func (w *LinkPendingLearnerWorker) Work(ctx context.Context, job *river.Job[LinkPendingLearnerArgs]) error {
	args := job.Args

	linked, err := w.assignments.LinkPendingLearner(ctx, args)
	if err == nil {
		if linked {
			w.observe(OutcomeLinked)
			w.logger.Info("linked learner to enterprise",
				"assignment_uuid", args.AssignmentUUID,
				"enterprise_customer_uuid", args.EnterpriseCustomerUUID,
			)
		} else {
			w.observe(OutcomeSkipped)
		}
		return nil
	}

	if errors.Is(err, models.ErrNotFound) {
		w.observe(OutcomeSkipped)
		w.logger.Warn("assignment to link no longer exists", "assignment_uuid", args.AssignmentUUID)
		return river.JobCancel(err)
	}
	if permanent(err) {
		if markErr := w.failJob(ctx, args.AssignmentUUID, err); markErr != nil {
			return markErr
		}
		return river.JobCancel(err)
	}
	if job.JobRow != nil && job.Attempt >= job.MaxAttempts {
		if markErr := w.failJob(ctx, args.AssignmentUUID, err); markErr != nil {
			return markErr
		}
		return err
	}

	w.observe(OutcomeRetry)
	w.logger.Warn("link pending learner failed, will retry",
		"assignment_uuid", args.AssignmentUUID,
		"attempt", attempt(job),
		"error", err,
	)
	return fmt.Errorf("link pending learner: %w", err)
}

func (w *LinkPendingLearnerWorker) failJob(ctx context.Context, assignmentUUID uuid.UUID, cause error) error {
	w.observe(OutcomeErrored)
	w.logger.Error("link pending learner failed permanently", "assignment_uuid", assignmentUUID, "error", cause)
	if err := w.assignments.MarkAssignmentErrored(context.WithoutCancel(ctx), assignmentUUID, cause.Error()); err != nil {
		return fmt.Errorf("link failed (%v) AND failed to mark assignment errored: %w", cause, err)
	}
	return nil
}

func (w *LinkPendingLearnerWorker) observe(outcome string) {
	if w.metrics != nil {
		w.metrics.ObserveJob(kindLinkPending, outcome)
	}
}

// permanent reports whether the LMS rejected the request itself. Database
// errors, network failures and upstream 5xx are retried.
func permanent(err error) bool {
	var se *httpx.StatusError
	return errors.As(err, &se) && se.ClientError()
}

func attempt(job *river.Job[LinkPendingLearnerArgs]) int {
	if job.JobRow == nil {
		return 0
	}
	return job.Attempt
}
