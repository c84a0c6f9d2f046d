package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"fedcoord/models"
)

// Aggregator combines the buffered per-node updates of one round into the
// next global model. Implementations must be deterministic for a given
// set of updates; the coordinator treats both inputs and output as opaque.
type Aggregator interface {
	Aggregate(round int, updates []models.ModelUpdateRecord) (json.RawMessage, error)
}

// FedAvgAggregator is the default strategy. It produces a deterministic
// combination of the N opaque updates (per-contributor digests plus a
// combined checksum) without interpreting the blobs' internal structure;
// a numeric backend supplies a real parameter-averaging strategy.
type FedAvgAggregator struct{}

type contribution struct {
	NodeID string `json:"node_id"`
	Digest string `json:"digest"`
}

type globalModel struct {
	Version      int            `json:"version"` // round that produced this model
	Participants int            `json:"participants"`
	Contributors []contribution `json:"contributors"`
	Checksum     string         `json:"checksum"`
}

func (FedAvgAggregator) Aggregate(round int, updates []models.ModelUpdateRecord) (json.RawMessage, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("aggregate: no updates for round %d", round)
	}

	sorted := make([]models.ModelUpdateRecord, len(updates))
	copy(sorted, updates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	combined := sha256.New()
	contributors := make([]contribution, 0, len(sorted))
	for _, u := range sorted {
		d := sha256.Sum256(u.Update)
		digest := hex.EncodeToString(d[:])
		contributors = append(contributors, contribution{NodeID: u.NodeID, Digest: digest})
		combined.Write(d[:])
	}

	return json.Marshal(globalModel{
		Version:      round,
		Participants: len(sorted),
		Contributors: contributors,
		Checksum:     hex.EncodeToString(combined.Sum(nil)),
	})
}
