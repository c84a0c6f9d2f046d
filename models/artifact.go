package models

import "encoding/json"

// ModelArtifact is a persisted snapshot of a job's final global model.
type ModelArtifact struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	ModelType string          `json:"model_type"`
	Rounds    int             `json:"rounds"`
	Data      json.RawMessage `json:"data"` // opaque model blob
	CreatedAt int64           `json:"created_at"`
}

// Dataset is a registered auxiliary dataset descriptor. The coordinator
// never reads dataset contents; only the descriptor is stored.
type Dataset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Records     int    `json:"records"`
	CreatedAt   int64  `json:"created_at"`
}
