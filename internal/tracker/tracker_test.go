package tracker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

func TestMain(m *testing.M) {
	_, _ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type mockStore struct{ mock.Mock }

func (m *mockStore) GetByID(ctx context.Context, id any, dest *models.Deployment) error {
	args := m.Called(ctx, id, dest)
	if d, ok := args.Get(0).(models.Deployment); ok {
		*dest = d
	}
	return args.Error(1)
}

func (m *mockStore) ListActive(ctx context.Context) ([]models.Deployment, error) {
	args := m.Called(ctx)
	rows, _ := args.Get(0).([]models.Deployment)
	return rows, args.Error(1)
}

func (m *mockStore) ApplyTransition(ctx context.Context, id string, seq int64, updates map[string]any) (bool, error) {
	args := m.Called(ctx, id, seq, updates)
	return args.Bool(0), args.Error(1)
}

type mockSource struct{ mock.Mock }

func (m *mockSource) Status(ctx context.Context, id string) (*engine.RunStatus, error) {
	args := m.Called(ctx, id)
	st, _ := args.Get(0).(*engine.RunStatus)
	return st, args.Error(1)
}

var t0 = time.Date(2024, 7, 24, 10, 0, 0, 0, time.UTC)

func row(status string, seq int64) models.Deployment {
	return models.Deployment{DeploymentID: "deploy-0123456789ab", Status: status, ProviderType: "azure", EngineSeq: seq}
}

func TestPollDiscardsStaleSnapshots(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusRunning, 5), nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(&engine.RunStatus{Status: models.StatusRunning, Phase: "planning", Seq: 4}, nil).Once()

	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.False(t, done)
	store.AssertNotCalled(t, "ApplyTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPollRunningSetsStartedAt(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusPending, 1), nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(&engine.RunStatus{Status: models.StatusRunning, Phase: "initialization", Progress: 10, Seq: 2}, nil).Once()
	store.On("ApplyTransition", mock.Anything, "deploy-0123456789ab", int64(2), map[string]any{
		"status":     models.StatusRunning,
		"phase":      "initialization",
		"started_at": t0,
	}).Return(true, nil).Once()

	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.False(t, done)
	store.AssertExpectations(t)
}

func TestPollCompletedWritesOutputsOnly(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	started := t0.Add(-time.Minute)
	r := row(models.StatusRunning, 3)
	r.StartedAt = &started
	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(r, nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(&engine.RunStatus{
		Status:  models.StatusCompleted,
		Phase:   "completed",
		Seq:     7,
		Outputs: map[string]any{"ip": "20.1.2.3"},
		Error:   "ignored",
	}, nil).Once()
	store.On("ApplyTransition", mock.Anything, "deploy-0123456789ab", int64(7), map[string]any{
		"status":       models.StatusCompleted,
		"phase":        "completed",
		"completed_at": t0,
		"outputs":      datatypes.JSON(`{"ip":"20.1.2.3"}`),
	}).Return(true, nil).Once()

	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.True(t, done)
	store.AssertExpectations(t)
}

func TestPollFailedStripsANSI(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusPending, 1), nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(&engine.RunStatus{
		Status: models.StatusFailed,
		Phase:  "failed",
		Seq:    2,
		Error:  "\x1b[31mError:\x1b[0m quota exceeded",
	}, nil).Once()
	store.On("ApplyTransition", mock.Anything, "deploy-0123456789ab", int64(2), map[string]any{
		"status":        models.StatusFailed,
		"phase":         "failed",
		"started_at":    t0,
		"completed_at":  t0,
		"error_message": "Error: quota exceeded",
	}).Return(true, nil).Once()

	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.True(t, done)
	store.AssertExpectations(t)
}

func TestPollTerminalRowIsNeverTouched(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusCancelled, 2), nil).Once()

	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.True(t, done)
	src.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestPollLostRaceRereadsRow(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusRunning, 2), nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(&engine.RunStatus{Status: models.StatusRunning, Phase: "applying", Seq: 3}, nil).Once()
	store.On("ApplyTransition", mock.Anything, "deploy-0123456789ab", int64(3), mock.Anything).Return(false, nil).Once()
	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusCancelled, 2), nil).Once()

	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.True(t, done)
}

func TestTrackPollsOnIntervalUntilTerminal(t *testing.T) {
	clk := testclock.NewClock(t0)
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: clk, Interval: 3 * time.Second})
	defer tr.Stop()

	applied := make(chan struct{}, 4)
	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusPending, 1), nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(nil, errors.New("redis: connection refused")).Once()
	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(row(models.StatusPending, 1), nil).Once()
	src.On("Status", mock.Anything, "deploy-0123456789ab").Return(&engine.RunStatus{Status: models.StatusCompleted, Phase: "completed", Seq: 5}, nil).Once()
	store.On("ApplyTransition", mock.Anything, "deploy-0123456789ab", int64(5), mock.Anything).
		Run(func(mock.Arguments) { applied <- struct{}{} }).
		Return(true, nil).Once()

	require.True(t, tr.Track("deploy-0123456789ab"))
	require.False(t, tr.Track("deploy-0123456789ab"))

	// first tick fails to fetch, second tick completes
	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(3*time.Second, time.Second, 1))

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal status was not applied")
	}
	require.Eventually(t, func() bool { return tr.Active() == 0 }, time.Second, 10*time.Millisecond)
	store.AssertExpectations(t)
	src.AssertExpectations(t)
}

func TestMarkCancelledStopsPolling(t *testing.T) {
	clk := testclock.NewClock(t0)
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: clk})
	defer tr.Stop()

	store.On("ApplyTransition", mock.Anything, "deploy-0123456789ab", int64(0), map[string]any{
		"status":       models.StatusCancelled,
		"phase":        models.StatusCancelled,
		"completed_at": t0,
	}).Return(true, nil).Once()

	require.True(t, tr.Track("deploy-0123456789ab"))
	changed, err := tr.MarkCancelled(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.True(t, changed)
	require.False(t, tr.Tracked("deploy-0123456789ab"))
	src.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestResumeTracksActiveRows(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})
	defer tr.Stop()

	store.On("ListActive", mock.Anything).Return([]models.Deployment{
		{DeploymentID: "deploy-aaaaaaaaaaaa"},
		{DeploymentID: "deploy-bbbbbbbbbbbb"},
	}, nil).Once()

	n, err := tr.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.True(t, tr.Tracked("deploy-aaaaaaaaaaaa"))
	require.True(t, tr.Tracked("deploy-bbbbbbbbbbbb"))
}

func TestPollMissingRowEndsTracking(t *testing.T) {
	store, src := &mockStore{}, &mockSource{}
	tr := New(store, src, Config{Clock: testclock.NewClock(t0)})

	store.On("GetByID", mock.Anything, "deploy-0123456789ab", mock.Anything).Return(nil, appErr.New(appErr.CodeNotFound, "deployment not found")).Once()
	done, err := tr.Poll(context.Background(), "deploy-0123456789ab")
	require.NoError(t, err)
	require.True(t, done)
}
