package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/pkg/logger"
)

// Reporter is the worker's handle on one run: it writes status snapshots and
// log lines that the API side reads through QueueEngine.
type Reporter struct {
	rdb       redis.UniversalClient
	id        string
	retention time.Duration
	maxLen    int64
	now       func() time.Time

	mu    sync.Mutex
	phase string
}

func NewReporter(rdb redis.UniversalClient, deploymentID string, opts QueueOptions) *Reporter {
	opts = opts.withDefaults()
	return &Reporter{
		rdb:       rdb,
		id:        deploymentID,
		retention: opts.Retention,
		maxLen:    opts.LogMaxLen,
		now:       time.Now,
	}
}

// Phase records a running phase and its progress percentage.
func (r *Reporter) Phase(ctx context.Context, phase string, progress int) error {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
	_, err := writeStatus(ctx, r.rdb, r.id, map[string]any{
		fieldStatus:   models.StatusRunning,
		fieldPhase:    phase,
		fieldProgress: progress,
	}, r.retention)
	return err
}

func (r *Reporter) Complete(ctx context.Context, outputs map[string]any) error {
	b, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	_, err = writeStatus(ctx, r.rdb, r.id, map[string]any{
		fieldStatus:   models.StatusCompleted,
		fieldPhase:    models.StatusCompleted,
		fieldProgress: 100,
		fieldOutputs:  string(b),
	}, r.retention)
	return err
}

// Fail records a failed run. The message is stored without terminal escapes.
func (r *Reporter) Fail(ctx context.Context, message string) error {
	_, err := writeStatus(ctx, r.rdb, r.id, map[string]any{
		fieldStatus: models.StatusFailed,
		fieldPhase:  models.StatusFailed,
		fieldError:  StripANSI(message),
	}, r.retention)
	return err
}

func (r *Reporter) Cancelled(ctx context.Context) error {
	_, err := writeStatus(ctx, r.rdb, r.id, map[string]any{
		fieldStatus: models.StatusCancelled,
		fieldPhase:  models.StatusCancelled,
	}, r.retention)
	return err
}

// CancelRequested reports whether the API flagged the run for cancellation.
func (r *Reporter) CancelRequested(ctx context.Context) bool {
	v, err := r.rdb.HGet(ctx, statusKey(r.id), fieldCancel).Result()
	return err == nil && v == "1"
}

// Log appends a structured line tagged with the current phase.
func (r *Reporter) Log(ctx context.Context, level, message string, details map[string]any) {
	r.mu.Lock()
	phase := r.phase
	r.mu.Unlock()
	line := FormatLine(r.now(), level, phase, message, details)
	if err := appendLog(ctx, r.rdb, r.id, line, r.maxLen, r.retention); err != nil {
		logger.Deployment(r.id).Warn("append run log failed", zap.Error(err))
	}
}

func (r *Reporter) Info(ctx context.Context, message string, details map[string]any) {
	r.Log(ctx, "INFO", message, details)
}

func (r *Reporter) Error(ctx context.Context, message string, details map[string]any) {
	r.Log(ctx, "ERROR", message, details)
}

// Writer returns an io.WriteCloser that turns each line of process output into
// an INFO log line. Close flushes the last partial line.
func (r *Reporter) Writer(ctx context.Context) io.WriteCloser {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			text := StripANSI(sc.Text())
			if strings.TrimSpace(text) == "" {
				continue
			}
			r.Info(ctx, text, nil)
		}
		_ = pr.CloseWithError(sc.Err())
	}()
	return &lineWriter{pw: pw, done: done}
}

type lineWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
}

func (w *lineWriter) Write(p []byte) (int, error) { return w.pw.Write(p) }

func (w *lineWriter) Close() error {
	err := w.pw.Close()
	<-w.done
	return err
}
