package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedcoord/models"
)

// ErrNodeNotFound is returned for operations referencing an unknown node id.
var ErrNodeNotFound = errors.New("node not found")

// NodeRegistry is the authoritative set of currently connected nodes.
// It keeps stable registration order so job selection is deterministic:
// first registered, first selected.
type NodeRegistry struct {
	mux    sync.Mutex
	nodes  map[string]*models.Node
	order  []string
	logger *zap.Logger
}

func NewNodeRegistry(logger *zap.Logger) *NodeRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeRegistry{
		nodes:  make(map[string]*models.Node),
		logger: logger,
	}
}

// Register creates a node entry, or overwrites key and stake on
// re-registration. Re-registration resets reputation and brings the node
// back online; historical reputation is not preserved across reconnects.
func (r *NodeRegistry) Register(id, publicKey string, stake float64) *models.Node {
	r.mux.Lock()
	defer r.mux.Unlock()

	if stake < 0 {
		stake = 0
	}
	existing, ok := r.nodes[id]
	if ok {
		existing.PublicKey = publicKey
		existing.Stake = stake
		existing.Reputation = 0
		existing.Status = models.NodeOnline
		r.logger.Info("Node re-registered", zap.String("node_id", id))
		return copyNode(existing)
	}

	node := &models.Node{
		ID:        id,
		PublicKey: publicKey,
		Stake:     stake,
		Status:    models.NodeOnline,
		JoinedAt:  time.Now().UnixMilli(),
	}
	r.nodes[id] = node
	r.order = append(r.order, id)
	r.logger.Info("Node registered", zap.String("node_id", id), zap.Float64("stake", stake))
	return copyNode(node)
}

// SetStatus transitions a node's lifecycle status.
func (r *NodeRegistry) SetStatus(id string, status models.NodeStatus) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.Status = status
	return nil
}

// Remove deletes a node entry. Called synchronously on transport
// disconnection; there is no grace period.
func (r *NodeRegistry) Remove(id string) {
	r.mux.Lock()
	defer r.mux.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("Node removed", zap.String("node_id", id))
}

// Get returns a copy of the node entry, or false if unknown.
func (r *NodeRegistry) Get(id string) (*models.Node, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return copyNode(node), true
}

// ListByStatus returns copies of all nodes with the given status, in
// registration order.
func (r *NodeRegistry) ListByStatus(status models.NodeStatus) []*models.Node {
	r.mux.Lock()
	defer r.mux.Unlock()

	var out []*models.Node
	for _, id := range r.order {
		if node := r.nodes[id]; node.Status == status {
			out = append(out, copyNode(node))
		}
	}
	return out
}

// List returns copies of all nodes in registration order.
func (r *NodeRegistry) List() []*models.Node {
	r.mux.Lock()
	defer r.mux.Unlock()

	out := make([]*models.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyNode(r.nodes[id]))
	}
	return out
}

func copyNode(n *models.Node) *models.Node {
	c := *n
	return &c
}
