package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/jobqueue"
)

// fakeStore is an in-memory scheduler.Store double, letting Tick/tickOne be
// exercised without Postgres.
type fakeStore struct {
	states map[string]*State

	missedRuns     map[string]int
	markedInFlight map[string]string
	advancedNext   map[string]time.Time
	advanced       []advanceCall
}

type advanceCall struct {
	schedulerKey string
	completedAt  time.Time
	status       Status
	catchUpNow   bool
}

func newFakeStore(states ...*State) *fakeStore {
	byKey := make(map[string]*State, len(states))
	for _, s := range states {
		byKey[s.SchedulerKey] = s
	}

	return &fakeStore{
		states:         byKey,
		missedRuns:     make(map[string]int),
		markedInFlight: make(map[string]string),
		advancedNext:   make(map[string]time.Time),
	}
}

func (f *fakeStore) ClaimDue(_ context.Context, now time.Time) ([]*State, error) {
	var due []*State

	for _, s := range f.states {
		if s.InFlightJobID != "" || (s.Interval > 0 && !now.Before(s.NextRunAt)) {
			due = append(due, s)
		}
	}

	return due, nil
}

func (f *fakeStore) MarkInFlight(_ context.Context, schedulerKey, jobID string, _ time.Time) error {
	f.markedInFlight[schedulerKey] = jobID
	f.states[schedulerKey].InFlightJobID = jobID

	return nil
}

func (f *fakeStore) SetMissedRuns(_ context.Context, schedulerKey string, missedRuns int) error {
	f.missedRuns[schedulerKey] = missedRuns

	return nil
}

func (f *fakeStore) AdvanceNextRunAt(_ context.Context, schedulerKey string, nextRunAt time.Time) error {
	f.advancedNext[schedulerKey] = nextRunAt
	f.states[schedulerKey].NextRunAt = nextRunAt

	return nil
}

func (f *fakeStore) Advance(_ context.Context, schedulerKey string, completedAt time.Time, status Status, catchUpNow bool) error {
	f.advanced = append(f.advanced, advanceCall{schedulerKey, completedAt, status, catchUpNow})

	state := f.states[schedulerKey]
	state.InFlightJobID = ""
	state.LastRunCompletedAt = &completedAt
	state.LastRunStatus = status

	if catchUpNow {
		state.NextRunAt = completedAt
	}

	return nil
}

func (f *fakeStore) Get(_ context.Context, schedulerKey string) (*State, error) {
	return f.states[schedulerKey], nil
}

// fakeJobs is an in-memory jobqueue.Store double covering only the methods
// Scheduler calls: FindPendingBySchedulerKey, Enqueue, Get.
type fakeJobs struct {
	jobqueue.Store
	byID           map[canon.ID]*jobqueue.Job
	bySchedulerKey map[string]*jobqueue.Job
	enqueued       []*jobqueue.Job
	ids            *canon.Generator
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		byID:           make(map[canon.ID]*jobqueue.Job),
		bySchedulerKey: make(map[string]*jobqueue.Job),
		ids:            canon.NewGenerator(),
	}
}

func (f *fakeJobs) FindPendingBySchedulerKey(_ context.Context, schedulerKey string) (*jobqueue.Job, error) {
	return f.bySchedulerKey[schedulerKey], nil
}

func (f *fakeJobs) Enqueue(_ context.Context, job *jobqueue.Job) error {
	id, err := f.ids.New(time.Now())
	if err != nil {
		return err
	}

	job.ID = id
	f.byID[job.ID] = job
	f.bySchedulerKey[job.SchedulerKey] = job
	f.enqueued = append(f.enqueued, job)

	return nil
}

func (f *fakeJobs) Get(_ context.Context, id canon.ID) (*jobqueue.Job, error) {
	job, ok := f.byID[id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}

	return job, nil
}

func TestTick_NoInFlightJob_EnqueuesAndAdvances(t *testing.T) {
	nextRunAt := time.Now().Add(-90 * time.Minute)
	state := &State{SchedulerKey: "nightly_refit", Interval: time.Hour, NextRunAt: nextRunAt}

	store := newFakeStore(state)
	jobs := newFakeJobs()
	s := New(store, jobs)

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 2, store.missedRuns["nightly_refit"], "90m late on an hourly interval is 2 missed runs")
	require.Len(t, jobs.enqueued, 1)
	assert.Equal(t, "nightly_refit", jobs.enqueued[0].SchedulerKey)
	assert.NotEmpty(t, store.markedInFlight["nightly_refit"])
	assert.Equal(t, nextRunAt.Add(time.Hour), store.advancedNext["nightly_refit"])
}

func TestTick_InFlightJobStillRunning_DoesNothing(t *testing.T) {
	jobs := newFakeJobs()

	job := &jobqueue.Job{SchedulerKey: "nightly_refit", Status: jobqueue.StatusProcessing}
	require.NoError(t, jobs.Enqueue(context.Background(), job))

	state := &State{SchedulerKey: "nightly_refit", Interval: time.Hour, InFlightJobID: job.ID.String()}
	store := newFakeStore(state)
	s := New(store, jobs)

	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, store.advanced, "an in-flight job that hasn't finished must not be advanced")
	assert.Equal(t, job.ID.String(), state.InFlightJobID)
}

// TestTick_InFlightJobCompleted_ClearsInFlightAndAdvances guards the fix that ClaimDue must return
// in-flight rows for probing even when NextRunAt is not yet due: without it,
// probeInFlight is never reached, in_flight_job_id never clears, and the
// scheduler_key fires exactly once and then stalls forever.
func TestTick_InFlightJobCompleted_ClearsInFlightAndAdvances(t *testing.T) {
	jobs := newFakeJobs()

	job := &jobqueue.Job{SchedulerKey: "nightly_refit", Status: jobqueue.StatusCompleted}
	require.NoError(t, jobs.Enqueue(context.Background(), job))

	farFuture := time.Now().Add(time.Hour) // NextRunAt not due: only the in-flight probe should fire
	state := &State{SchedulerKey: "nightly_refit", Interval: time.Hour, NextRunAt: farFuture, InFlightJobID: job.ID.String()}
	store := newFakeStore(state)
	s := New(store, jobs)

	require.NoError(t, s.Tick(context.Background()))

	require.Len(t, store.advanced, 1)
	assert.Equal(t, StatusOK, store.advanced[0].status)
	assert.False(t, store.advanced[0].catchUpNow)
	assert.Empty(t, state.InFlightJobID)
}

func TestTick_InFlightJobDead_ClearsInFlightAndSchedulesImmediateCatchUp(t *testing.T) {
	jobs := newFakeJobs()

	job := &jobqueue.Job{SchedulerKey: "nightly_refit", Status: jobqueue.StatusDead}
	require.NoError(t, jobs.Enqueue(context.Background(), job))

	farFuture := time.Now().Add(time.Hour)
	state := &State{SchedulerKey: "nightly_refit", Interval: time.Hour, NextRunAt: farFuture, InFlightJobID: job.ID.String()}
	store := newFakeStore(state)
	s := New(store, jobs)

	require.NoError(t, s.Tick(context.Background()))

	require.Len(t, store.advanced, 1)
	assert.Equal(t, StatusFailed, store.advanced[0].status)
	assert.True(t, store.advanced[0].catchUpNow)
	assert.Empty(t, state.InFlightJobID)
	assert.Equal(t, state.LastRunCompletedAt, &state.NextRunAt, "a failed run's catch-up must fire on the very next tick")
}

func TestTick_Recovery_AdoptsExistingPendingJobInsteadOfDuplicating(t *testing.T) {
	jobs := newFakeJobs()

	existing := &jobqueue.Job{SchedulerKey: "nightly_refit", Status: jobqueue.StatusPending}
	require.NoError(t, jobs.Enqueue(context.Background(), existing))
	jobs.enqueued = nil // only track enqueues Tick itself performs from here on

	state := &State{SchedulerKey: "nightly_refit", Interval: time.Hour, NextRunAt: time.Now().Add(-time.Minute)}
	store := newFakeStore(state)
	s := New(store, jobs)

	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, jobs.enqueued, "a pending job already tagged with this scheduler_key must be adopted, not duplicated")
	assert.Equal(t, existing.ID.String(), store.markedInFlight["nightly_refit"])
}
