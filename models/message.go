package models

import "encoding/json"

// Inbound message types delivered by nodes over the transport.
const (
	MsgNodeRegister     = "node_register"
	MsgModelUpdate      = "model_update"
	MsgTrainingComplete = "training_complete"
)

// Outbound message types pushed by the coordinator.
const (
	MsgRegistrationSuccess = "registration_success"
	MsgJobStart            = "federated_job_start"
	MsgRoundStart          = "training_round_start"
	MsgError               = "error"
)

// InboundMessage is the logical shape of every node-originated frame.
// Fields outside the envelope are populated per message type.
type InboundMessage struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id"`
	JobID     string          `json:"job_id,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
	Stake     float64         `json:"stake,omitempty"`
	Update    json.RawMessage `json:"update,omitempty"`
	Signature string          `json:"signature,omitempty"` // base64 over the update bytes
}

// OutboundMessage is the coordinator-to-node directive shape.
type OutboundMessage struct {
	Type        string          `json:"type"`
	NodeID      string          `json:"node_id,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	Round       int             `json:"round,omitempty"`
	Config      *JobConfig      `json:"config,omitempty"`
	GlobalModel json.RawMessage `json:"global_model,omitempty"`
	Error       string          `json:"error,omitempty"`
}
