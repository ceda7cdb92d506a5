package replay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/danielprocop/lifestory-graph/internal/metrics"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

// Mock stores for testing
type MockJobStore struct {
	mock.Mock
}

func (m *MockJobStore) Enqueue(ctx context.Context, job *models.FeedbackReplayJob) (*models.FeedbackReplayJob, bool, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(*models.FeedbackReplayJob), args.Bool(1), args.Error(2)
}

func (m *MockJobStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobStore) Complete(ctx context.Context, id uuid.UUID, summary []byte) error {
	args := m.Called(ctx, id, summary)
	return args.Error(0)
}

func (m *MockJobStore) Fail(ctx context.Context, id uuid.UUID, cause string) error {
	args := m.Called(ctx, id, cause)
	return args.Error(0)
}

func (m *MockJobStore) GetByID(ctx context.Context, id uuid.UUID) (*models.FeedbackReplayJob, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*models.FeedbackReplayJob), args.Error(1)
}

func (m *MockJobStore) ListQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]models.FeedbackReplayJob, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).([]models.FeedbackReplayJob), args.Error(1)
}

type MockEntrySource struct {
	mock.Mock
}

func (m *MockEntrySource) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Entry, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]models.Entry), args.Error(1)
}

func (m *MockEntrySource) ListByOwner(ctx context.Context, owner uuid.UUID) ([]models.Entry, error) {
	args := m.Called(ctx, owner)
	return args.Get(0).([]models.Entry), args.Error(1)
}

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) ReprocessEntry(ctx context.Context, entry *models.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func TestEnqueueDedupesPerOwner(t *testing.T) {
	owner := uuid.New()
	existing := &models.FeedbackReplayJob{ID: uuid.New(), OwnerID: owner, Status: models.JobRunning}

	jobs := new(MockJobStore)
	jobs.On("Enqueue", mock.Anything, mock.AnythingOfType("*models.FeedbackReplayJob")).Return(existing, false, nil)

	s := NewScheduler(jobs, 4)
	id, err := s.EnqueueReplay(context.Background(), owner, nil, false)

	require.NoError(t, err)
	require.Equal(t, existing.ID, id, "the outstanding job is returned, not a new one")
	require.Empty(t, s.queue, "a deduped enqueue must not dispatch")
}

func TestEnqueueDispatchesNewJob(t *testing.T) {
	owner := uuid.New()
	jobs := new(MockJobStore)
	jobs.On("Enqueue", mock.Anything, mock.AnythingOfType("*models.FeedbackReplayJob")).
		Return(&models.FeedbackReplayJob{ID: uuid.New(), OwnerID: owner, Status: models.JobQueued}, true, nil).
		Run(func(args mock.Arguments) {
			job := args.Get(1).(*models.FeedbackReplayJob)
			require.Equal(t, models.JobQueued, job.Status)
		})

	s := NewScheduler(jobs, 4)
	scope := &models.ReplayScope{EntryIDs: []uuid.UUID{uuid.New()}}
	_, err := s.EnqueueReplay(context.Background(), owner, scope, false)

	require.NoError(t, err)
	require.Len(t, s.queue, 1)
}

func TestRunJobDryRunShortCircuits(t *testing.T) {
	owner := uuid.New()
	job := &models.FeedbackReplayJob{ID: uuid.New(), OwnerID: owner, DryRun: true, Status: models.JobQueued}

	jobs := new(MockJobStore)
	entries := new(MockEntrySource)
	pipeline := new(MockPipeline)

	jobs.On("Claim", mock.Anything, job.ID).Return(true, nil)
	jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	entries.On("ListByOwner", mock.Anything, owner).Return([]models.Entry{{ID: uuid.New()}, {ID: uuid.New()}}, nil)
	jobs.On("Complete", mock.Anything, job.ID, mock.Anything).Return(nil)

	w := NewWorker(NewScheduler(jobs, 1), jobs, entries, pipeline, 1, nil)
	w.runJob(context.Background(), job.ID)

	jobs.AssertExpectations(t)
	pipeline.AssertNotCalled(t, "ReprocessEntry", mock.Anything, mock.Anything)
}

func TestRunJobCountsClaimedJobs(t *testing.T) {
	owner := uuid.New()
	job := &models.FeedbackReplayJob{ID: uuid.New(), OwnerID: owner, DryRun: true, Status: models.JobQueued}

	jobs := new(MockJobStore)
	entries := new(MockEntrySource)

	jobs.On("Claim", mock.Anything, job.ID).Return(true, nil)
	jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	entries.On("ListByOwner", mock.Anything, owner).Return([]models.Entry{}, nil)
	jobs.On("Complete", mock.Anything, job.ID, mock.Anything).Return(nil)

	m := metrics.NewMetrics()
	w := NewWorker(NewScheduler(jobs, 1), jobs, entries, new(MockPipeline), 1, m)
	w.runJob(context.Background(), job.ID)

	require.Equal(t, int64(1), m.GetSnapshot().Counters[metrics.ReplayJobs])
}

func TestRunJobUnclaimedWalksAway(t *testing.T) {
	id := uuid.New()
	jobs := new(MockJobStore)
	jobs.On("Claim", mock.Anything, id).Return(false, nil)

	w := NewWorker(NewScheduler(jobs, 1), jobs, new(MockEntrySource), new(MockPipeline), 1, nil)
	w.runJob(context.Background(), id)

	jobs.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestRunJobProcessesScopedEntries(t *testing.T) {
	owner := uuid.New()
	entry := models.Entry{ID: uuid.New(), OwnerID: owner, Text: "cena con Adi"}
	job := &models.FeedbackReplayJob{
		ID:      uuid.New(),
		OwnerID: owner,
		Status:  models.JobQueued,
		Scope:   []byte(`{"entry_ids":["` + entry.ID.String() + `"]}`),
	}

	jobs := new(MockJobStore)
	entries := new(MockEntrySource)
	pipeline := new(MockPipeline)

	jobs.On("Claim", mock.Anything, job.ID).Return(true, nil)
	jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	entries.On("ListByIDs", mock.Anything, []uuid.UUID{entry.ID}).Return([]models.Entry{entry}, nil)
	pipeline.On("ReprocessEntry", mock.Anything, mock.AnythingOfType("*models.Entry")).Return(nil)
	jobs.On("Complete", mock.Anything, job.ID, mock.Anything).Return(nil)

	w := NewWorker(NewScheduler(jobs, 1), jobs, entries, pipeline, 1, nil)
	w.runJob(context.Background(), job.ID)

	jobs.AssertExpectations(t)
	pipeline.AssertExpectations(t)
}

func TestRunJobAllEntriesFailingFailsTheJob(t *testing.T) {
	owner := uuid.New()
	job := &models.FeedbackReplayJob{ID: uuid.New(), OwnerID: owner, Status: models.JobQueued}

	jobs := new(MockJobStore)
	entries := new(MockEntrySource)
	pipeline := new(MockPipeline)

	jobs.On("Claim", mock.Anything, job.ID).Return(true, nil)
	jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	entries.On("ListByOwner", mock.Anything, owner).Return([]models.Entry{{ID: uuid.New()}}, nil)
	pipeline.On("ReprocessEntry", mock.Anything, mock.Anything).Return(errors.New("boom"))
	jobs.On("Fail", mock.Anything, job.ID, mock.Anything).Return(nil)

	w := NewWorker(NewScheduler(jobs, 1), jobs, entries, pipeline, 1, nil)
	w.runJob(context.Background(), job.ID)

	jobs.AssertExpectations(t)
	jobs.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunJobCancelledMidway(t *testing.T) {
	owner := uuid.New()
	job := &models.FeedbackReplayJob{ID: uuid.New(), OwnerID: owner, Status: models.JobQueued}

	ctx, cancel := context.WithCancel(context.Background())

	jobs := new(MockJobStore)
	entries := new(MockEntrySource)
	pipeline := new(MockPipeline)

	jobs.On("Claim", mock.Anything, job.ID).Return(true, nil)
	jobs.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	entries.On("ListByOwner", mock.Anything, owner).
		Return([]models.Entry{{ID: uuid.New()}, {ID: uuid.New()}}, nil)
	pipeline.On("ReprocessEntry", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		cancel()
	})
	jobs.On("Fail", mock.Anything, job.ID, mock.Anything).Return(nil)

	w := NewWorker(NewScheduler(jobs, 1), jobs, entries, pipeline, 1, nil)
	w.runJob(ctx, job.ID)

	// The first entry went through, the second hit the cancellation check.
	pipeline.AssertNumberOfCalls(t, "ReprocessEntry", 1)
	jobs.AssertExpectations(t)
}

func TestReconcileRedispatchesStaleJobs(t *testing.T) {
	stale := models.FeedbackReplayJob{ID: uuid.New(), Status: models.JobQueued}
	jobs := new(MockJobStore)
	jobs.On("ListQueuedOlderThan", mock.Anything, mock.AnythingOfType("time.Time")).
		Return([]models.FeedbackReplayJob{stale}, nil)

	s := NewScheduler(jobs, 4)
	require.NoError(t, s.Reconcile(context.Background(), time.Minute))
	require.Len(t, s.queue, 1)
}
