// Package tracker follows submitted deployments until they reach a terminal
// status, copying engine snapshots into the deployments table.
package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/metrics"
	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

// Store is the part of the deployment repository the tracker writes through.
type Store interface {
	GetByID(ctx context.Context, id any, dest *models.Deployment) error
	ListActive(ctx context.Context) ([]models.Deployment, error)
	ApplyTransition(ctx context.Context, deploymentID string, seq int64, updates map[string]any) (bool, error)
}

// StatusSource reads engine snapshots.
type StatusSource interface {
	Status(ctx context.Context, deploymentID string) (*engine.RunStatus, error)
}

type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	Metrics  *metrics.Collector
}

// Tracker runs one polling goroutine per active deployment. Polls for a given
// deployment never overlap.
type Tracker struct {
	store    Store
	source   StatusSource
	clock    clock.Clock
	interval time.Duration
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*poller
}

type poller struct {
	cancel context.CancelFunc
}

func New(store Store, source StatusSource, cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		store:    store,
		source:   source,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		active:   map[string]*poller{},
	}
}

// Track starts following a deployment. It reports false if the deployment is
// already tracked or the tracker is stopped.
func (t *Tracker) Track(deploymentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	if _, ok := t.active[deploymentID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(t.ctx)
	p := &poller{cancel: cancel}
	t.active[deploymentID] = p
	t.metrics.TrackedDeployments(len(t.active))

	t.wg.Add(1)
	go t.loop(ctx, deploymentID, p)
	return true
}

// Untrack stops following a deployment without writing anything.
func (t *Tracker) Untrack(deploymentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.active[deploymentID]; ok {
		p.cancel()
		delete(t.active, deploymentID)
		t.metrics.TrackedDeployments(len(t.active))
	}
}

// release drops the poller's own entry; a newer poller for the same id stays.
func (t *Tracker) release(deploymentID string, p *poller) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.cancel()
	if t.active[deploymentID] == p {
		delete(t.active, deploymentID)
		t.metrics.TrackedDeployments(len(t.active))
	}
}

// Tracked reports whether a deployment has a running poller.
func (t *Tracker) Tracked(deploymentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[deploymentID]
	return ok
}

func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Resume starts tracking every non-terminal deployment, e.g. after a restart.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	rows, err := t.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range rows {
		if t.Track(d.DeploymentID) {
			n++
		}
	}
	logger.L().Info("resumed deployment tracking", zap.Int("deployments", n))
	return n, nil
}

// Stop cancels every poller and waits for them to return.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// MarkCancelled records an explicit cancel and stops polling. It reports false
// when the deployment was already terminal.
func (t *Tracker) MarkCancelled(ctx context.Context, deploymentID string) (bool, error) {
	t.Untrack(deploymentID)
	now := t.clock.Now().UTC()
	changed, err := t.store.ApplyTransition(ctx, deploymentID, 0, map[string]any{
		"status":       models.StatusCancelled,
		"phase":        models.StatusCancelled,
		"completed_at": now,
	})
	if err != nil {
		return false, err
	}
	if changed {
		logger.Deployment(deploymentID).Info("deployment cancelled")
	}
	return changed, nil
}

func (t *Tracker) loop(ctx context.Context, deploymentID string, p *poller) {
	defer t.wg.Done()
	defer t.release(deploymentID, p)

	log := logger.Deployment(deploymentID)
	log.Debug("tracking deployment", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(t.interval):
		}
		done, err := t.Poll(ctx, deploymentID)
		if err != nil {
			log.Warn("status poll failed, retrying next tick", zap.Error(err))
		}
		if done {
			log.Debug("tracking finished")
			return
		}
	}
}

// Poll performs one status fetch and applies it. done is true once the
// deployment is terminal or gone.
func (t *Tracker) Poll(ctx context.Context, deploymentID string) (done bool, err error) {
	var d models.Deployment
	if err := t.store.GetByID(ctx, deploymentID, &d); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return true, nil
		}
		return false, err
	}
	if models.IsTerminal(d.Status) {
		return true, nil
	}

	st, err := t.source.Status(ctx, deploymentID)
	if err != nil {
		return false, err
	}
	if st.Seq <= d.EngineSeq {
		return false, nil
	}
	if !models.CanTransition(d.Status, st.Status) {
		logger.Deployment(deploymentID).Warn("ignoring invalid status transition",
			zap.String("from", d.Status),
			zap.String("to", st.Status),
			zap.Int64("seq", st.Seq),
		)
		return false, nil
	}

	updates := t.transition(&d, st)
	changed, err := t.store.ApplyTransition(ctx, deploymentID, st.Seq, updates)
	if err != nil {
		return false, err
	}
	if !changed {
		// another writer won; the row is either terminal or already newer
		var latest models.Deployment
		if err := t.store.GetByID(ctx, deploymentID, &latest); err != nil {
			return false, err
		}
		return models.IsTerminal(latest.Status), nil
	}

	if st.Status != d.Status {
		logger.Deployment(deploymentID).Info("deployment status changed",
			zap.String("from", d.Status),
			zap.String("to", st.Status),
			zap.String("phase", st.Phase),
		)
	}
	if models.IsTerminal(st.Status) {
		if s, ok := updates["started_at"].(time.Time); ok {
			d.StartedAt = &s
		}
		end := updates["completed_at"].(time.Time)
		d.CompletedAt = &end
		t.metrics.DeploymentFinished(d.ProviderType, st.Status, d.Duration(end))
		return true, nil
	}
	return false, nil
}

func (t *Tracker) transition(d *models.Deployment, st *engine.RunStatus) map[string]any {
	now := t.clock.Now().UTC()
	updates := map[string]any{
		"status": st.Status,
		"phase":  st.Phase,
	}
	if d.StartedAt == nil && (st.Status == models.StatusRunning || st.Status == models.StatusCompleted || st.Status == models.StatusFailed) {
		updates["started_at"] = now
	}
	if models.IsTerminal(st.Status) {
		updates["completed_at"] = now
	}
	switch st.Status {
	case models.StatusCompleted:
		if b, err := json.Marshal(st.Outputs); err == nil && st.Outputs != nil {
			updates["outputs"] = datatypes.JSON(b)
		}
	case models.StatusFailed:
		msg := engine.StripANSI(st.Error)
		if msg == "" {
			msg = "deployment failed"
		}
		updates["error_message"] = msg
	}
	return updates
}
