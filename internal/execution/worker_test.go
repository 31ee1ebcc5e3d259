package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/models"
)

type fakeAssignments struct {
	mu      sync.Mutex
	err     error
	linked  bool
	errored map[uuid.UUID]string
	markErr error
}

func (f *fakeAssignments) LinkPendingLearner(context.Context, LinkPendingLearnerArgs) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked, f.err
}

func (f *fakeAssignments) MarkAssignmentErrored(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	if f.errored == nil {
		f.errored = map[uuid.UUID]string{}
	}
	f.errored[id] = reason
	return nil
}

type jobCounter struct {
	mu       sync.Mutex
	outcomes []string
}

func (c *jobCounter) ObserveJob(_, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func linkJob(attempt, maxAttempts int) *river.Job[LinkPendingLearnerArgs] {
	return &river.Job[LinkPendingLearnerArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args: LinkPendingLearnerArgs{
			AssignmentUUID:         uuid.New(),
			EnterpriseCustomerUUID: uuid.New(),
			LearnerEmail:           "learner@example.com",
		},
	}
}

func TestLinkPendingLearnerArgs(t *testing.T) {
	args := LinkPendingLearnerArgs{}
	assert.Equal(t, "link_pending_learner", args.Kind())
	assert.Equal(t, 5, args.InsertOpts().MaxAttempts)
}

func TestWorkLinksLearner(t *testing.T) {
	svc := &fakeAssignments{linked: true}
	counter := &jobCounter{}
	w := NewLinkPendingLearnerWorker(svc, counter, nil)

	require.NoError(t, w.Work(context.Background(), linkJob(1, 5)))
	assert.Empty(t, svc.errored)
	assert.Equal(t, []string{OutcomeLinked}, counter.outcomes)
}

func TestWorkSkipsSettledAssignment(t *testing.T) {
	counter := &jobCounter{}
	w := NewLinkPendingLearnerWorker(&fakeAssignments{}, counter, nil)

	require.NoError(t, w.Work(context.Background(), linkJob(1, 5)))
	assert.Equal(t, []string{OutcomeSkipped}, counter.outcomes)
}

func TestWorkRetriesTransientFailure(t *testing.T) {
	svc := &fakeAssignments{err: &httpx.StatusError{Service: "lms", StatusCode: http.StatusServiceUnavailable}}
	counter := &jobCounter{}
	w := NewLinkPendingLearnerWorker(svc, counter, nil)

	err := w.Work(context.Background(), linkJob(2, 5))
	require.Error(t, err)
	assert.True(t, httpx.Transient(err))
	assert.Empty(t, svc.errored, "assignment stays allocated while retries remain")
	assert.Equal(t, []string{OutcomeRetry}, counter.outcomes)
}

func TestWorkMarksErroredOnLastAttempt(t *testing.T) {
	svc := &fakeAssignments{err: httpx.ErrUnavailable}
	w := NewLinkPendingLearnerWorker(svc, nil, nil)
	job := linkJob(5, 5)

	err := w.Work(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, svc.errored, job.Args.AssignmentUUID)
}

func TestWorkCancelsOnPermanentFailure(t *testing.T) {
	svc := &fakeAssignments{err: &httpx.StatusError{Service: "lms", StatusCode: http.StatusBadRequest, Detail: "invalid email"}}
	counter := &jobCounter{}
	w := NewLinkPendingLearnerWorker(svc, counter, nil)
	job := linkJob(1, 5)

	err := w.Work(context.Background(), job)
	require.Error(t, err)
	var se *httpx.StatusError
	assert.True(t, errors.As(err, &se))
	assert.Contains(t, svc.errored, job.Args.AssignmentUUID)
	assert.Equal(t, []string{OutcomeErrored}, counter.outcomes)
}

func TestWorkReportsMarkFailure(t *testing.T) {
	svc := &fakeAssignments{
		err:     &httpx.StatusError{Service: "lms", StatusCode: http.StatusBadRequest},
		markErr: errors.New("db down"),
	}
	w := NewLinkPendingLearnerWorker(svc, nil, nil)

	err := w.Work(context.Background(), linkJob(1, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, svc.markErr)
}

func TestWorkRetriesDatabaseFailure(t *testing.T) {
	svc := &fakeAssignments{err: fmt.Errorf("load assignment %s: %w", uuid.New(), errors.New("conn reset by peer"))}
	counter := &jobCounter{}
	w := NewLinkPendingLearnerWorker(svc, counter, nil)

	err := w.Work(context.Background(), linkJob(1, 5))
	require.Error(t, err)
	var cancelled *rivertype.JobCancelError
	assert.False(t, errors.As(err, &cancelled), "a database error must not cancel the job")
	assert.Empty(t, svc.errored)
	assert.Equal(t, []string{OutcomeRetry}, counter.outcomes)

	job := linkJob(5, 5)
	require.Error(t, w.Work(context.Background(), job))
	assert.Contains(t, svc.errored, job.Args.AssignmentUUID)
}

func TestWorkCancelsWhenAssignmentGone(t *testing.T) {
	svc := &fakeAssignments{err: fmt.Errorf("load assignment: %w", models.ErrNotFound)}
	counter := &jobCounter{}
	w := NewLinkPendingLearnerWorker(svc, counter, nil)

	err := w.Work(context.Background(), linkJob(1, 5))
	var cancelled *rivertype.JobCancelError
	require.ErrorAs(t, err, &cancelled)
	assert.Empty(t, svc.errored)
	assert.Equal(t, []string{OutcomeSkipped}, counter.outcomes)
}
