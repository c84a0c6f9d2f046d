package models

// NodeStatus is the lifecycle state of a connected training participant.
type NodeStatus string

const (
	NodeOnline     NodeStatus = "online"
	NodeOffline    NodeStatus = "offline"
	NodeTraining   NodeStatus = "training"
	NodeValidating NodeStatus = "validating"
)

type Node struct {
	ID         string     `json:"id"`         // unique participant id
	PublicKey  string     `json:"public_key"` // PEM-encoded RSA public key
	Stake      float64    `json:"stake"`      // admission threshold, non-negative
	Reputation float64    `json:"reputation"` // mutable score, reset on re-registration
	Status     NodeStatus `json:"status"`
	JoinedAt   int64      `json:"joined_at"` // unix timestamp in ms
}
