package models

import "encoding/json"

// Block is one entry of the hash-chained audit ledger.
type Block struct {
	Index     int             `json:"index"`     // 0-based, strictly increasing
	Timestamp string          `json:"timestamp"` // ISO-8601
	Payload   json.RawMessage `json:"payload"`   // canonical serialized record
	PrevHash  string          `json:"prev_hash"`
	Nonce     int             `json:"nonce"`
	Hash      string          `json:"hash"` // lowercase hex SHA-256
}

// ModelUpdateRecord is the ledger payload written for each accepted
// per-round contribution. Never mutated once embedded in a mined block.
type ModelUpdateRecord struct {
	JobID     string          `json:"job_id"`
	NodeID    string          `json:"node_id"`
	Round     int             `json:"round"`
	Update    json.RawMessage `json:"update"` // opaque model update blob
	Timestamp int64           `json:"timestamp"`
}
