package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedcoord/ledger"
	"fedcoord/models"
	"fedcoord/registry"
)

// Error taxonomy. Authorization and not-found failures are surfaced as
// structured rejections to the originating node; none of these abort the
// coordinator.
var (
	ErrJobExists         = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotActive      = errors.New("job is not active")
	ErrNotInRoster       = errors.New("node is not part of the job roster")
	ErrBadSignature      = errors.New("update signature verification failed")
	ErrDuplicateUpdate   = errors.New("node already submitted an update this round")
	ErrInsufficientNodes = errors.New("insufficient eligible nodes")
)

// Notifier delivers outbound directives to a node. The transport layer
// implements it; delivery failures are logged, not propagated, since a
// dead connection surfaces through disconnection anyway.
type Notifier interface {
	NotifyNode(nodeID string, msg models.OutboundMessage) error
}

// Verifier checks a contribution signature against a node's registered
// public key. Satisfied by keys.KeyManager.
type Verifier interface {
	Verify(payload []byte, sig string, publicPEM string) bool
}

// ModelStore persists the final global model of a completed job.
// Satisfied by the artifact repository; may be nil.
type ModelStore interface {
	PutModel(artifact *models.ModelArtifact) error
}

// Event types published on the coordinator's event channel.
const (
	EventJobStarted           = "job_started"
	EventRoundStarted         = "round_started"
	EventAggregationCompleted = "aggregation_completed"
	EventJobCompleted         = "job_completed"
	EventJobAborted           = "job_aborted"
)

// Event is a coordinator lifecycle notification, decoupled from any
// specific transport.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Round     int    `json:"round,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type jobState struct {
	job    models.Job
	buffer map[string]models.ModelUpdateRecord
	timer  *time.Timer // pending round-advance, nil when no round is scheduled
}

// Coordinator owns job lifecycle state machines, node selection, round
// sequencing, update collection and aggregation. All mutations to job and
// registry state are serialized under one mutex; the ledger carries its
// own lock so reads of the chain never contend here.
type Coordinator struct {
	mux      sync.Mutex
	jobs     map[string]*jobState
	busy     map[string]string // node id -> job id holding it in an active roster
	registry *registry.NodeRegistry
	ledger   *ledger.Ledger
	verifier Verifier
	agg      Aggregator
	store    ModelStore
	notifier Notifier

	settleDelay time.Duration
	events      chan Event
	logger      *zap.Logger
}

// NewCoordinator wires the coordinator to its collaborators. settleDelay
// is the pause between a round's aggregation and the next round's start.
func NewCoordinator(reg *registry.NodeRegistry, led *ledger.Ledger, verifier Verifier, agg Aggregator, store ModelStore, settleDelay time.Duration, logger *zap.Logger) *Coordinator {
	if agg == nil {
		agg = FedAvgAggregator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		jobs:        make(map[string]*jobState),
		busy:        make(map[string]string),
		registry:    reg,
		ledger:      led,
		verifier:    verifier,
		agg:         agg,
		store:       store,
		settleDelay: settleDelay,
		events:      make(chan Event, 64),
		logger:      logger,
	}
}

// SetNotifier attaches the outbound transport. Must be called before any
// job starts; kept separate from the constructor because the transport
// itself needs the coordinator for inbound dispatch.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.notifier = n
}

// Events exposes the coordinator's lifecycle notifications. Consumers
// that fall behind lose events; the channel is never closed.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// StartJob runs the admission check, selects a roster and begins round 1.
// On admission failure the job stays discoverable in insufficient_nodes
// state and ErrInsufficientNodes is returned; no retry is attempted.
func (c *Coordinator) StartJob(jobID string, cfg models.JobConfig) (*models.Job, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if _, exists := c.jobs[jobID]; exists {
		return nil, ErrJobExists
	}

	state := &jobState{
		job: models.Job{
			ID:        jobID,
			Config:    cfg,
			Status:    models.JobPreparing,
			CreatedAt: time.Now().UnixMilli(),
		},
		buffer: make(map[string]models.ModelUpdateRecord),
	}
	c.jobs[jobID] = state

	// admission: online, staked at or above the minimum, and not already
	// held by another active job's roster
	var eligible []*models.Node
	for _, node := range c.registry.ListByStatus(models.NodeOnline) {
		if node.Stake >= cfg.MinStake && c.busy[node.ID] == "" {
			eligible = append(eligible, node)
		}
	}
	if len(eligible) < cfg.MinNodes {
		state.job.Status = models.JobInsufficientNodes
		c.logger.Warn("Job admission failed",
			zap.String("job_id", jobID),
			zap.Int("eligible", len(eligible)),
			zap.Int("min_nodes", cfg.MinNodes))
		return copyJob(&state.job), ErrInsufficientNodes
	}

	// selection is registration order, capped at MaxNodes (0 = no cap)
	limit := len(eligible)
	if cfg.MaxNodes > 0 && cfg.MaxNodes < limit {
		limit = cfg.MaxNodes
	}
	roster := make([]string, 0, limit)
	for _, node := range eligible[:limit] {
		roster = append(roster, node.ID)
		c.busy[node.ID] = jobID
	}
	state.job.Roster = roster
	state.job.Status = models.JobActive

	c.logger.Info("Job activated",
		zap.String("job_id", jobID),
		zap.Strings("roster", roster),
		zap.Int("max_rounds", cfg.MaxRounds))

	for _, nodeID := range roster {
		c.notify(nodeID, models.OutboundMessage{
			Type:   models.MsgJobStart,
			JobID:  jobID,
			Config: &cfg,
		})
	}
	c.publish(Event{Type: EventJobStarted, JobID: jobID})

	c.startRoundLocked(state)
	return copyJob(&state.job), nil
}

// startRoundLocked advances the round counter, clears the buffer and
// broadcasts the current global model (nil for round 1) to the roster.
// Caller holds c.mux.
func (c *Coordinator) startRoundLocked(state *jobState) {
	state.timer = nil
	state.job.CurrentRound++
	state.buffer = make(map[string]models.ModelUpdateRecord)

	c.logger.Info("Round started",
		zap.String("job_id", state.job.ID),
		zap.Int("round", state.job.CurrentRound))

	for _, nodeID := range state.job.Roster {
		if err := c.registry.SetStatus(nodeID, models.NodeTraining); err != nil {
			// disconnected mid-job: roster slot stays, round stalls until abort
			c.logger.Warn("Roster node missing at round start",
				zap.String("job_id", state.job.ID),
				zap.String("node_id", nodeID))
			continue
		}
		c.notify(nodeID, models.OutboundMessage{
			Type:        models.MsgRoundStart,
			JobID:       state.job.ID,
			Round:       state.job.CurrentRound,
			GlobalModel: state.job.GlobalModel,
		})
	}
	c.publish(Event{Type: EventRoundStarted, JobID: state.job.ID, Round: state.job.CurrentRound})
}

// SubmitUpdate admits one per-round contribution: roster membership and
// signature are checked, the accepted update is written to the ledger
// (mining a block) and buffered, and a full buffer triggers aggregation
// synchronously within this call.
func (c *Coordinator) SubmitUpdate(jobID, nodeID string, update json.RawMessage, sig string) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	state, ok := c.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if state.job.Status != models.JobActive {
		return ErrJobNotActive
	}
	if !inRoster(state.job.Roster, nodeID) {
		return ErrNotInRoster
	}
	node, ok := c.registry.Get(nodeID)
	if !ok {
		return ErrNotInRoster
	}
	if !c.verifier.Verify(update, sig, node.PublicKey) {
		c.logger.Warn("Rejected update with bad signature",
			zap.String("job_id", jobID),
			zap.String("node_id", nodeID))
		return ErrBadSignature
	}
	if _, dup := state.buffer[nodeID]; dup {
		return ErrDuplicateUpdate
	}

	record := models.ModelUpdateRecord{
		JobID:     jobID,
		NodeID:    nodeID,
		Round:     state.job.CurrentRound,
		Update:    update,
		Timestamp: time.Now().UnixMilli(),
	}
	block, err := c.ledger.Append(record)
	if err != nil {
		return err
	}
	state.buffer[nodeID] = record

	c.logger.Info("Update accepted",
		zap.String("job_id", jobID),
		zap.String("node_id", nodeID),
		zap.Int("round", state.job.CurrentRound),
		zap.Int("block_index", block.Index))

	if len(state.buffer) == len(state.job.Roster) {
		return c.aggregateLocked(state)
	}
	return nil
}

// aggregateLocked combines the full round buffer into the next global
// model, then either schedules the next round after the settle delay or
// completes the job. Caller holds c.mux.
func (c *Coordinator) aggregateLocked(state *jobState) error {
	updates := make([]models.ModelUpdateRecord, 0, len(state.buffer))
	for _, u := range state.buffer {
		updates = append(updates, u)
	}

	global, err := c.agg.Aggregate(state.job.CurrentRound, updates)
	if err != nil {
		c.logger.Error("Aggregation failed",
			zap.String("job_id", state.job.ID),
			zap.Int("round", state.job.CurrentRound),
			zap.Error(err))
		return err
	}
	state.job.GlobalModel = global
	state.buffer = make(map[string]models.ModelUpdateRecord)

	c.logger.Info("Round aggregated",
		zap.String("job_id", state.job.ID),
		zap.Int("round", state.job.CurrentRound))
	c.publish(Event{Type: EventAggregationCompleted, JobID: state.job.ID, Round: state.job.CurrentRound})

	if state.job.CurrentRound < state.job.Config.MaxRounds {
		jobID := state.job.ID
		state.timer = time.AfterFunc(c.settleDelay, func() { c.advanceRound(jobID) })
		return nil
	}

	c.completeLocked(state)
	return nil
}

// advanceRound starts the next round once the settle delay elapses.
func (c *Coordinator) advanceRound(jobID string) {
	c.mux.Lock()
	defer c.mux.Unlock()

	state, ok := c.jobs[jobID]
	if !ok || state.job.Status != models.JobActive {
		return // aborted while the timer was pending
	}
	c.startRoundLocked(state)
}

// completeLocked finishes a job: releases the roster, persists the final
// global model and removes the job from active tracking. The job record
// stays discoverable. Caller holds c.mux.
func (c *Coordinator) completeLocked(state *jobState) {
	state.job.Status = models.JobCompleted
	c.releaseRosterLocked(state)

	if c.store != nil && state.job.GlobalModel != nil {
		artifact := &models.ModelArtifact{
			ID:        state.job.ID,
			JobID:     state.job.ID,
			ModelType: state.job.Config.ModelType,
			Rounds:    state.job.CurrentRound,
			Data:      state.job.GlobalModel,
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := c.store.PutModel(artifact); err != nil {
			c.logger.Error("Failed to persist final model",
				zap.String("job_id", state.job.ID), zap.Error(err))
		}
	}

	c.logger.Info("Job completed",
		zap.String("job_id", state.job.ID),
		zap.Int("rounds", state.job.CurrentRound))
	c.publish(Event{Type: EventJobCompleted, JobID: state.job.ID, Round: state.job.CurrentRound})
}

// TrainingComplete marks a roster node online again within the job context.
func (c *Coordinator) TrainingComplete(jobID, nodeID string) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	state, ok := c.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !inRoster(state.job.Roster, nodeID) {
		return ErrNotInRoster
	}
	return c.registry.SetStatus(nodeID, models.NodeOnline)
}

// AbortJob terminates a job administratively at any lifecycle point,
// including mid-aggregation wait. Already-mined blocks are untouched;
// only in-memory job and roster state is affected.
func (c *Coordinator) AbortJob(jobID string) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	state, ok := c.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	switch state.job.Status {
	case models.JobCompleted, models.JobAborted, models.JobInsufficientNodes:
		return ErrJobNotActive
	}

	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	state.job.Status = models.JobAborted
	state.buffer = make(map[string]models.ModelUpdateRecord)
	c.releaseRosterLocked(state)

	c.logger.Info("Job aborted", zap.String("job_id", jobID))
	c.publish(Event{Type: EventJobAborted, JobID: jobID, Round: state.job.CurrentRound})
	return nil
}

// releaseRosterLocked returns roster nodes to online and frees them for
// future selection. Caller holds c.mux.
func (c *Coordinator) releaseRosterLocked(state *jobState) {
	for _, nodeID := range state.job.Roster {
		delete(c.busy, nodeID)
		if err := c.registry.SetStatus(nodeID, models.NodeOnline); err != nil {
			continue // node disconnected during the job
		}
	}
}

// GetJob returns a copy of the job's current state, round and roster.
func (c *Coordinator) GetJob(jobID string) (*models.Job, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	state, ok := c.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(&state.job), nil
}

// Jobs returns copies of every tracked job, terminal ones included.
func (c *Coordinator) Jobs() []*models.Job {
	c.mux.Lock()
	defer c.mux.Unlock()

	out := make([]*models.Job, 0, len(c.jobs))
	for _, state := range c.jobs {
		out = append(out, copyJob(&state.job))
	}
	return out
}

func (c *Coordinator) notify(nodeID string, msg models.OutboundMessage) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyNode(nodeID, msg); err != nil {
		c.logger.Warn("Failed to notify node",
			zap.String("node_id", nodeID),
			zap.String("msg_type", msg.Type),
			zap.Error(err))
	}
}

func (c *Coordinator) publish(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Event channel full, dropping event", zap.String("type", ev.Type))
	}
}

func inRoster(roster []string, nodeID string) bool {
	for _, id := range roster {
		if id == nodeID {
			return true
		}
	}
	return false
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Roster = append([]string(nil), j.Roster...)
	if j.GlobalModel != nil {
		c.GlobalModel = append(json.RawMessage(nil), j.GlobalModel...)
	}
	return &c
}
