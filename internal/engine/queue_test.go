package engine

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

var redisAddr string

func TestMain(m *testing.M) {
	flag.Parse()
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	ctr, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis container unavailable, engine tests skipped: %v\n", err)
		os.Exit(m.Run())
	}
	redisAddr, err = ctr.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		panic("failed to resolve redis endpoint: " + err.Error())
	}

	code := m.Run()
	_ = testcontainers.TerminateContainer(ctr)
	os.Exit(code)
}

// startRedis reports a missing Docker daemon as an error; testcontainers panics
// while resolving the host in that case.
func startRedis(ctx context.Context) (ctr testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
}

func newTestEngine(t *testing.T) (*QueueEngine, redis.UniversalClient) {
	t.Helper()
	if redisAddr == "" {
		t.Skip("redis not available")
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, rdb.FlushAll(context.Background()).Err())
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = client.Close()
		_ = inspector.Close()
		_ = rdb.Close()
	})
	return NewQueueEngine(client, inspector, rdb, QueueOptions{Queue: "test"}), rdb
}

func testRun(id string) Run {
	return Run{
		DeploymentID:   id,
		ProviderType:   "azure",
		TemplateName:   "storage-account",
		CloudAccountID: "acc-1",
		Parameters:     map[string]any{"storage_account_name": "mystorage01"},
		CredentialMode: CredentialsAccount,
	}
}

func TestSubmitAndStatusSequence(t *testing.T) {
	eng, rdb := newTestEngine(t)
	ctx := context.Background()

	taskID, err := eng.Submit(ctx, testRun("deploy-aaaaaaaaaaaa"))
	require.NoError(t, err)
	require.Equal(t, "deploy-aaaaaaaaaaaa", taskID)

	st, err := eng.Status(ctx, "deploy-aaaaaaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, st.Status)
	require.EqualValues(t, 1, st.Seq)

	rep := NewReporter(rdb, "deploy-aaaaaaaaaaaa", QueueOptions{})
	require.NoError(t, rep.Phase(ctx, "planning", 40))
	require.NoError(t, rep.Complete(ctx, map[string]any{"endpoint": "https://mystorage01.blob.core.windows.net"}))

	st, err = eng.Status(ctx, "deploy-aaaaaaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, st.Status)
	require.Equal(t, 100, st.Progress)
	require.EqualValues(t, 3, st.Seq)
	require.Equal(t, "https://mystorage01.blob.core.windows.net", st.Outputs["endpoint"])
}

func TestSubmitTwiceConflicts(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Submit(ctx, testRun("deploy-bbbbbbbbbbbb"))
	require.NoError(t, err)
	_, err = eng.Submit(ctx, testRun("deploy-bbbbbbbbbbbb"))
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))
}

func TestStatusUnknownRun(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Status(context.Background(), "deploy-missing00000")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestCancelQueuedRun(t *testing.T) {
	eng, rdb := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Submit(ctx, testRun("deploy-cccccccccccc"))
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, "deploy-cccccccccccc"))

	st, err := eng.Status(ctx, "deploy-cccccccccccc")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, st.Status)
	require.True(t, NewReporter(rdb, "deploy-cccccccccccc", QueueOptions{}).CancelRequested(ctx))
}

func TestReadLogsFromStartAndTail(t *testing.T) {
	eng, rdb := newTestEngine(t)
	ctx := context.Background()

	rep := NewReporter(rdb, "deploy-dddddddddddd", QueueOptions{})
	require.NoError(t, rep.Phase(ctx, "initialization", 10))
	rep.Info(ctx, "Starting deployment", nil)
	w := rep.Writer(ctx)
	_, err := w.Write([]byte("\x1b[32mazurerm_resource_group.main: Creating...\x1b[0m\n\npartial"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	lines, cursor, err := eng.ReadLogs(ctx, "deploy-dddddddddddd", StartCursor, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, "Starting deployment", ParseLine(lines[0].Line).Message)
	require.Equal(t, "initialization", ParseLine(lines[0].Line).Phase)
	require.Equal(t, "azurerm_resource_group.main: Creating...", ParseLine(lines[1].Line).Message)
	require.Equal(t, "partial", ParseLine(lines[2].Line).Message)

	more, next, err := eng.ReadLogs(ctx, "deploy-dddddddddddd", cursor, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, more)
	require.Equal(t, cursor, next)
}
