package engine

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// QueueOptions tunes the asynq-backed engine.
type QueueOptions struct {
	Queue     string
	Retention time.Duration
	// LogMaxLen caps each run's log stream.
	LogMaxLen int64
	// Timeout bounds one terraform run inside the worker.
	Timeout time.Duration
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Queue == "" {
		o.Queue = "default"
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.LogMaxLen <= 0 {
		o.LogMaxLen = 10000
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Hour
	}
	return o
}

// taskEnqueuer is the part of *asynq.Client the engine needs.
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// taskInspector is the part of *asynq.Inspector the engine needs.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

// QueueEngine submits runs to asynq and reads the status hash and log stream
// the worker writes to redis.
type QueueEngine struct {
	client    taskEnqueuer
	inspector taskInspector
	rdb       redis.UniversalClient
	opts      QueueOptions
}

var _ Engine = (*QueueEngine)(nil)

func NewQueueEngine(client *asynq.Client, inspector *asynq.Inspector, rdb redis.UniversalClient, opts QueueOptions) *QueueEngine {
	return &QueueEngine{client: client, inspector: inspector, rdb: rdb, opts: opts.withDefaults()}
}

func (e *QueueEngine) Submit(ctx context.Context, run Run) (string, error) {
	task, err := NewProvisionTask(run)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "encode run failed")
	}

	n, err := e.rdb.Exists(ctx, statusKey(run.DeploymentID)).Result()
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "engine unavailable")
	}
	if n > 0 {
		return "", appErr.New(appErr.CodeConflict, "deployment already submitted")
	}

	// the record must exist before the worker can pick the task up
	if _, err := writeStatus(ctx, e.rdb, run.DeploymentID, map[string]any{
		fieldTaskID: run.DeploymentID,
		fieldStatus: models.StatusPending,
		fieldPhase:  "queued",
	}, e.opts.Retention); err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "engine unavailable")
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.TaskID(run.DeploymentID),
		asynq.Queue(e.opts.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(e.opts.Timeout),
		asynq.Retention(e.opts.Retention),
	)
	if err != nil {
		_ = e.rdb.Del(context.WithoutCancel(ctx), statusKey(run.DeploymentID)).Err()
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", appErr.Wrap(err, appErr.CodeConflict, "deployment already submitted")
		}
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "enqueue run failed")
	}

	logger.Deployment(run.DeploymentID).Info("run enqueued",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.String("template", run.TemplateName),
	)
	return info.ID, nil
}

func (e *QueueEngine) Status(ctx context.Context, deploymentID string) (*RunStatus, error) {
	m, err := e.rdb.HGetAll(ctx, statusKey(deploymentID)).Result()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "read run status failed")
	}
	if len(m) > 0 && m[fieldStatus] != "" {
		return decodeStatus(deploymentID, m), nil
	}

	// status record expired or never written: fall back to the queue's view
	info, err := e.inspector.GetTaskInfo(e.opts.Queue, deploymentID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "run not found")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "inspect task failed")
	}
	return statusFromTask(deploymentID, info), nil
}

func statusFromTask(id string, info *asynq.TaskInfo) *RunStatus {
	st := &RunStatus{DeploymentID: id, TaskID: info.ID}
	switch info.State {
	case asynq.TaskStateActive:
		st.Status = models.StatusRunning
	case asynq.TaskStateCompleted:
		st.Status = models.StatusCompleted
		st.Progress = 100
	case asynq.TaskStateArchived:
		st.Status = models.StatusFailed
		st.Error = info.LastErr
	default:
		st.Status = models.StatusPending
	}
	if !info.LastFailedAt.IsZero() {
		st.UpdatedAt = info.LastFailedAt
	} else if !info.CompletedAt.IsZero() {
		st.UpdatedAt = info.CompletedAt
	}
	return st
}

// Cancel removes a queued run or interrupts a running one. The worker reports
// the final cancelled status of an interrupted run itself.
func (e *QueueEngine) Cancel(ctx context.Context, deploymentID string) error {
	if err := e.rdb.HSet(ctx, statusKey(deploymentID), fieldCancel, "1").Err(); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "flag run cancelled failed")
	}

	if err := e.inspector.DeleteTask(e.opts.Queue, deploymentID); err == nil {
		_, err := writeStatus(ctx, e.rdb, deploymentID, map[string]any{
			fieldStatus: models.StatusCancelled,
			fieldPhase:  models.StatusCancelled,
		}, e.opts.Retention)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeUnavailable, "write cancelled status failed")
		}
		logger.Deployment(deploymentID).Info("queued run deleted")
		return nil
	}

	if err := e.inspector.CancelProcessing(deploymentID); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "cancel run failed")
	}
	logger.Deployment(deploymentID).Info("cancel signal sent to running task")
	return nil
}

func (e *QueueEngine) ReadLogs(ctx context.Context, deploymentID, cursor string, block time.Duration) ([]LogLine, string, error) {
	if cursor == "" {
		cursor = StartCursor
	}
	if block <= 0 {
		block = -1
	}
	res, err := e.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{logsKey(deploymentID), cursor},
		Count:   200,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cursor, nil
		}
		return nil, cursor, appErr.Wrap(err, appErr.CodeUnavailable, "read run logs failed")
	}

	var out []LogLine
	for _, stream := range res {
		for _, msg := range stream.Messages {
			line, _ := msg.Values[streamField].(string)
			out = append(out, LogLine{ID: msg.ID, Line: line})
			cursor = msg.ID
		}
	}
	return out, cursor, nil
}
