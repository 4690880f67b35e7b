// Package logstream relays a run's log stream and lifecycle changes to a
// consumer as server-sent events.
package logstream

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// Event types sent to consumers.
const (
	EventStatus   = "status"
	EventLog      = "log"
	EventComplete = "complete"
	EventError    = "error"
	EventDone     = "done"
)

type Event struct {
	Type string
	Data any
}

type StatusData struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
	Phase        string `json:"phase,omitempty"`
}

type CompleteData struct {
	Outputs map[string]any `json:"outputs"`
}

type ErrorData struct {
	ErrorMessage string `json:"error_message"`
}

type DoneData struct {
	Status string `json:"status"`
}

// Sink receives events. An error means the consumer went away.
type Sink interface {
	Send(ev Event) error
}

// LogReader is the log side of the engine.
type LogReader interface {
	ReadLogs(ctx context.Context, deploymentID, cursor string, block time.Duration) ([]engine.LogLine, string, error)
}

// DeploymentReader loads the tracked deployment row.
type DeploymentReader interface {
	GetByID(ctx context.Context, id any, dest *models.Deployment) error
}

type Config struct {
	// Block is how long one read waits for new lines.
	Block time.Duration
	// RetryBudget is the number of consecutive failed fetches tolerated.
	RetryBudget int
	Backoff     time.Duration
	Clock       clock.Clock
}

// Relay streams one deployment per Stream call. It holds no per-stream state.
type Relay struct {
	logs        LogReader
	deployments DeploymentReader
	block       time.Duration
	budget      int
	backoff     time.Duration
	clock       clock.Clock
}

func NewRelay(logs LogReader, deployments DeploymentReader, cfg Config) *Relay {
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Relay{
		logs:        logs,
		deployments: deployments,
		block:       cfg.Block,
		budget:      cfg.RetryBudget,
		backoff:     cfg.Backoff,
		clock:       cfg.Clock,
	}
}

// Stream replays the buffered log from the beginning, then follows it until
// the deployment is terminal and every line has been delivered. It returns nil
// when the consumer disconnects or ctx ends, and an unavailable error after
// the retry budget is spent.
func (r *Relay) Stream(ctx context.Context, deploymentID string, sink Sink) error {
	log := logger.Deployment(deploymentID)
	cursor := engine.StartCursor
	var lastStatus, lastPhase string
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		var d models.Deployment
		err := r.deployments.GetByID(ctx, deploymentID, &d)
		if appErr.IsCode(err, appErr.CodeNotFound) {
			_ = sink.Send(Event{Type: EventError, Data: ErrorData{ErrorMessage: "deployment not found"}})
			return err
		}

		var lines []engine.LogLine
		if err == nil {
			block := r.block
			if models.IsTerminal(d.Status) {
				block = 0
			}
			var next string
			lines, next, err = r.logs.ReadLogs(ctx, deploymentID, cursor, block)
			if err == nil {
				cursor = next
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			log.Warn("log relay fetch failed", zap.Int("attempt", failures), zap.Error(err))
			if failures > r.budget {
				_ = sink.Send(Event{Type: EventError, Data: ErrorData{ErrorMessage: "log stream unavailable"}})
				return appErr.Wrap(err, appErr.CodeUnavailable, "log stream unavailable")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-r.clock.After(r.backoff * time.Duration(1<<min(failures-1, 5))):
			}
			continue
		}
		failures = 0

		if d.Status != lastStatus || d.Phase != lastPhase {
			lastStatus, lastPhase = d.Status, d.Phase
			if err := sink.Send(Event{Type: EventStatus, Data: StatusData{DeploymentID: deploymentID, Status: d.Status, Phase: d.Phase}}); err != nil {
				return nil
			}
		}
		for _, l := range lines {
			if err := sink.Send(Event{Type: EventLog, Data: engine.ParseLine(l.Line)}); err != nil {
				return nil
			}
		}

		if models.IsTerminal(d.Status) && len(lines) == 0 {
			r.finish(sink, &d)
			return nil
		}
	}
}

func (r *Relay) finish(sink Sink, d *models.Deployment) {
	switch d.Status {
	case models.StatusCompleted:
		outputs := d.OutputMap()
		if outputs == nil {
			outputs = map[string]any{}
		}
		_ = sink.Send(Event{Type: EventComplete, Data: CompleteData{Outputs: outputs}})
	case models.StatusFailed:
		_ = sink.Send(Event{Type: EventError, Data: ErrorData{ErrorMessage: d.ErrorMessage}})
	}
	_ = sink.Send(Event{Type: EventDone, Data: DoneData{Status: d.Status}})
}
