package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/consolida/internal/storage"
)

// Queue is the part of the store needed to submit work.
type Queue interface {
	CreateRun(r storage.Run) error
	EnqueueJob(job storage.Job) error
}

// Payload is the JSON body of a consolidate job.
type Payload struct {
	RunID  string `json:"run_id"`
	Source string `json:"source"`
}

// Enqueue records a queued run for source and schedules the job that will
// process it. It returns the run ID.
func Enqueue(q Queue, source, trigger string) (string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return "", fmt.Errorf("source is required")
	}
	id := uuid.New().String()
	if err := q.CreateRun(storage.Run{ID: id, Source: source, Trigger: trigger}); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	payload, _ := json.Marshal(Payload{RunID: id, Source: source})
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobConsolidate,
		PayloadJSON: string(payload),
		MaxAttempts: 3,
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	return id, nil
}
