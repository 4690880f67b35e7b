package engine

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeProvision is the asynq task type handled by the worker.
const TypeProvision = "deployment:provision"

// NewProvisionTask encodes a run as an asynq task. Credentials are never part
// of the payload; the worker loads them from the cloud account.
func NewProvisionTask(run Run) (*asynq.Task, error) {
	b, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("marshal run: %w", err)
	}
	return asynq.NewTask(TypeProvision, b), nil
}

// ParseProvisionTask decodes the payload written by NewProvisionTask.
func ParseProvisionTask(t *asynq.Task) (Run, error) {
	var run Run
	if err := json.Unmarshal(t.Payload(), &run); err != nil {
		return Run{}, fmt.Errorf("unmarshal run: %w", err)
	}
	if run.DeploymentID == "" {
		return Run{}, fmt.Errorf("run payload has no deployment id")
	}
	return run, nil
}
