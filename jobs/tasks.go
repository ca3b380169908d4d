package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIntegrityScan is the task type for the hierarchy integrity sweep.
	TaskIntegrityScan = "hierarchy:integrity_scan"
)

// IntegrityScanPayload scopes a sweep. TenantID zero means all tenants.
type IntegrityScanPayload struct {
	TenantID int64 `json:"tenant_id"`
}

// NewIntegrityScanTask constructs an Asynq task for the integrity sweep.
func NewIntegrityScanTask(payload IntegrityScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityScan, data), nil
}
