package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeNormalizeImage = "image:normalize"

type NormalizeImagePayload struct {
	JobID        string    `json:"job_id"`
	UserID       string    `json:"user_id,omitempty"`
	SourceType   string    `json:"source_type"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	ObjectKey    string    `json:"object_key"`
	Name         string    `json:"name,omitempty"`
	MaxSizeKB    int       `json:"max_size_kb,omitempty"`
	MaxDimension int       `json:"max_dimension,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

func NewNormalizeImageTask(payload NormalizeImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal normalize payload: %w", err)
	}
	return asynq.NewTask(TypeNormalizeImage, body), nil
}

func ParseNormalizeImagePayload(task *asynq.Task) (NormalizeImagePayload, error) {
	var payload NormalizeImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return NormalizeImagePayload{}, fmt.Errorf("unmarshal normalize payload: %w", err)
	}
	if payload.JobID == "" {
		return NormalizeImagePayload{}, fmt.Errorf("normalize payload missing job_id")
	}
	return payload, nil
}
