package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"fedcoord/coordinator"
	"fedcoord/models"
	"fedcoord/registry"
)

const writeTimeout = 10 * time.Second

// Hub is the node-facing transport adapter. Each node holds one WebSocket
// connection carrying JSON text frames; inbound messages are dispatched
// to the coordinator and outbound directives are delivered through the
// coordinator's Notifier interface, which the hub implements.
type Hub struct {
	coord  *coordinator.Coordinator
	reg    *registry.NodeRegistry
	logger *zap.Logger

	mux   sync.Mutex
	conns map[string]*nodeConn
}

// nodeConn guards writes with a mutex since WebSocket connections do not
// support concurrent writers.
type nodeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (nc *nodeConn) writeJSON(ctx context.Context, msg models.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.conn.Write(ctx, websocket.MessageText, data)
}

func NewHub(coord *coordinator.Coordinator, reg *registry.NodeRegistry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		coord:  coord,
		reg:    reg,
		logger: logger.With(zap.String("component", "transport")),
		conns:  make(map[string]*nodeConn),
	}
}

// ServeWS upgrades the request and runs the connection's read loop until
// the node disconnects. Disconnection removes the node from the registry
// synchronously; there is no grace period.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket accept failed", zap.Error(err))
		return
	}

	nc := &nodeConn{conn: conn}
	nodeID := ""
	defer func() {
		if nodeID != "" {
			h.unbind(nodeID)
			h.reg.Remove(nodeID)
			h.logger.Info("Node disconnected", zap.String("node_id", nodeID))
		}
		conn.Close(websocket.StatusNormalClosure, "closing")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg models.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.replyError(ctx, nc, "", "invalid message payload")
			continue
		}
		if id := h.dispatch(ctx, nc, msg); id != "" {
			nodeID = id
		}
	}
}

// dispatch routes one inbound message. It returns the node id when the
// message binds this connection to a node.
func (h *Hub) dispatch(ctx context.Context, nc *nodeConn, msg models.InboundMessage) string {
	switch msg.Type {
	case models.MsgNodeRegister:
		if msg.NodeID == "" || msg.PublicKey == "" {
			h.replyError(ctx, nc, msg.NodeID, "node_register requires node_id and public_key")
			return ""
		}
		node := h.reg.Register(msg.NodeID, msg.PublicKey, msg.Stake)
		h.bind(node.ID, nc)
		h.reply(ctx, nc, models.OutboundMessage{
			Type:   models.MsgRegistrationSuccess,
			NodeID: node.ID,
		})
		return node.ID

	case models.MsgModelUpdate:
		if err := h.coord.SubmitUpdate(msg.JobID, msg.NodeID, msg.Update, msg.Signature); err != nil {
			h.replyError(ctx, nc, msg.NodeID, rejectionReason(err))
		}
		return ""

	case models.MsgTrainingComplete:
		if err := h.coord.TrainingComplete(msg.JobID, msg.NodeID); err != nil {
			h.replyError(ctx, nc, msg.NodeID, rejectionReason(err))
		}
		return ""

	default:
		h.replyError(ctx, nc, msg.NodeID, "unknown message type: "+msg.Type)
		return ""
	}
}

// NotifyNode delivers a coordinator directive to a connected node.
func (h *Hub) NotifyNode(nodeID string, msg models.OutboundMessage) error {
	h.mux.Lock()
	nc, ok := h.conns[nodeID]
	h.mux.Unlock()
	if !ok {
		return fmt.Errorf("node %s is not connected", nodeID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return nc.writeJSON(ctx, msg)
}

func (h *Hub) bind(nodeID string, nc *nodeConn) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.conns[nodeID] = nc
}

func (h *Hub) unbind(nodeID string) {
	h.mux.Lock()
	defer h.mux.Unlock()
	delete(h.conns, nodeID)
}

func (h *Hub) reply(ctx context.Context, nc *nodeConn, msg models.OutboundMessage) {
	if err := nc.writeJSON(ctx, msg); err != nil {
		h.logger.Warn("Failed to write reply", zap.Error(err))
	}
}

func (h *Hub) replyError(ctx context.Context, nc *nodeConn, nodeID, reason string) {
	h.reply(ctx, nc, models.OutboundMessage{
		Type:   models.MsgError,
		NodeID: nodeID,
		Error:  reason,
	})
}

// rejectionReason maps coordinator errors to the reason classes reported
// back to nodes.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, coordinator.ErrNotInRoster):
		return "not_in_roster"
	case errors.Is(err, coordinator.ErrJobNotFound):
		return "unknown_job"
	case errors.Is(err, coordinator.ErrJobNotActive):
		return "job_not_active"
	case errors.Is(err, coordinator.ErrDuplicateUpdate):
		return "duplicate_update"
	default:
		return err.Error()
	}
}
