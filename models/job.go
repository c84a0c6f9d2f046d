package models

import "encoding/json"

// JobStatus is the lifecycle state of a federated training job.
type JobStatus string

const (
	JobPreparing         JobStatus = "preparing"
	JobInsufficientNodes JobStatus = "insufficient_nodes"
	JobActive            JobStatus = "active"
	JobCompleted         JobStatus = "completed"
	JobAborted           JobStatus = "aborted"
)

// JobConfig is the declared configuration of a training job.
type JobConfig struct {
	ModelType string  `json:"model_type"`
	MinNodes  int     `json:"min_nodes"`
	MaxNodes  int     `json:"max_nodes"`
	MaxRounds int     `json:"max_rounds"`
	MinStake  float64 `json:"min_stake"`
}

type Job struct {
	ID           string          `json:"id"`
	Config       JobConfig       `json:"config"`
	Status       JobStatus       `json:"status"`
	CurrentRound int             `json:"current_round"`
	Roster       []string        `json:"roster"`       // participant node ids, fixed at activation
	GlobalModel  json.RawMessage `json:"global_model"` // opaque, nil until round 1 aggregates
	CreatedAt    int64           `json:"created_at"`   // unix timestamp in ms
}
