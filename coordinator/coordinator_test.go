package coordinator_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fedcoord/coordinator"
	"fedcoord/keys"
	"fedcoord/ledger"
	"fedcoord/models"
	"fedcoord/registry"
)

type mockNotifier struct {
	mu   sync.Mutex
	sent map[string][]models.OutboundMessage
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{sent: make(map[string][]models.OutboundMessage)}
}

func (m *mockNotifier) NotifyNode(nodeID string, msg models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[nodeID] = append(m.sent[nodeID], msg)
	return nil
}

func (m *mockNotifier) messages(nodeID string) []models.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OutboundMessage, len(m.sent[nodeID]))
	copy(out, m.sent[nodeID])
	return out
}

type mockStore struct {
	mu    sync.Mutex
	saved []*models.ModelArtifact
}

func (m *mockStore) PutModel(a *models.ModelArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, a)
	return nil
}

type testNode struct {
	id   string
	priv string
}

type fixture struct {
	reg      *registry.NodeRegistry
	led      *ledger.Ledger
	km       *keys.KeyManager
	notifier *mockNotifier
	store    *mockStore
	coord    *coordinator.Coordinator
}

func newFixture(t *testing.T, settle time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		reg:      registry.NewNodeRegistry(zap.NewNop()),
		led:      ledger.NewLedger(0, zap.NewNop()),
		km:       keys.NewKeyManager(),
		notifier: newMockNotifier(),
		store:    &mockStore{},
	}
	f.coord = coordinator.NewCoordinator(f.reg, f.led, f.km, nil, f.store, settle, zap.NewNop())
	f.coord.SetNotifier(f.notifier)
	return f
}

func (f *fixture) registerNode(t *testing.T, id string, stake float64) testNode {
	t.Helper()
	pub, priv, err := f.km.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair for %s: %v", id, err)
	}
	f.reg.Register(id, pub, stake)
	return testNode{id: id, priv: priv}
}

func (f *fixture) signedSubmit(t *testing.T, jobID string, n testNode, update string) error {
	t.Helper()
	sig, err := f.km.Sign([]byte(update), n.priv)
	if err != nil {
		t.Fatalf("sign update for %s: %v", n.id, err)
	}
	return f.coord.SubmitUpdate(jobID, n.id, json.RawMessage(update), sig)
}

func TestStartJob_InsufficientNodes(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)

	job, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 3, MaxNodes: 5, MaxRounds: 1, MinStake: 50,
	})
	if err != coordinator.ErrInsufficientNodes {
		t.Fatalf("expected ErrInsufficientNodes, got %v", err)
	}
	if job.Status != models.JobInsufficientNodes {
		t.Fatalf("expected insufficient_nodes, got %s", job.Status)
	}

	// terminal but discoverable
	got, err := f.coord.GetJob("job-1")
	if err != nil {
		t.Fatalf("job must remain discoverable: %v", err)
	}
	if got.Status != models.JobInsufficientNodes {
		t.Fatalf("expected insufficient_nodes, got %s", got.Status)
	}
}

func TestStartJob_StakeFilter(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.registerNode(t, "node-poor", 10)
	f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)

	job, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 5, MaxRounds: 1, MinStake: 50,
	})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if len(job.Roster) != 2 {
		t.Fatalf("expected roster of 2, got %v", job.Roster)
	}
	for _, id := range job.Roster {
		if id == "node-poor" {
			t.Fatal("under-staked node must never be selected")
		}
	}
}

func TestStartJob_SelectionOrderAndCap(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.registerNode(t, "node-1", 100)
	f.registerNode(t, "node-2", 100)
	f.registerNode(t, "node-3", 100)

	job, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	// first registered, first selected
	if len(job.Roster) != 2 || job.Roster[0] != "node-1" || job.Roster[1] != "node-2" {
		t.Fatalf("expected roster [node-1 node-2], got %v", job.Roster)
	}
}

func TestRound_EndToEnd(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	a := f.registerNode(t, "node-a", 100)
	b := f.registerNode(t, "node-b", 100)

	job, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	})
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	if job.Status != models.JobActive || job.CurrentRound != 1 {
		t.Fatalf("expected active round 1, got %s round %d", job.Status, job.CurrentRound)
	}

	// roster nodes got the job start and round 1 directives
	msgs := f.notifier.messages("node-a")
	if len(msgs) != 2 || msgs[0].Type != models.MsgJobStart || msgs[1].Type != models.MsgRoundStart {
		t.Fatalf("unexpected directives for node-a: %+v", msgs)
	}
	if msgs[1].GlobalModel != nil {
		t.Fatal("round 1 must broadcast a nil global model")
	}
	if node, _ := f.reg.Get("node-a"); node.Status != models.NodeTraining {
		t.Fatalf("roster node must be training, got %s", node.Status)
	}

	baseLen := f.led.Length()

	// first of two updates: no aggregation yet
	if err := f.signedSubmit(t, "job-1", a, `{"w":[1,2]}`); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	got, _ := f.coord.GetJob("job-1")
	if got.Status != models.JobActive {
		t.Fatalf("one of two updates must not complete the job, got %s", got.Status)
	}
	if f.led.Length() != baseLen+1 {
		t.Fatalf("expected one ledger block for the accepted update, length %d", f.led.Length())
	}

	// second update fills the buffer and triggers aggregation
	if err := f.signedSubmit(t, "job-1", b, `{"w":[3,4]}`); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	got, _ = f.coord.GetJob("job-1")
	if got.Status != models.JobCompleted {
		t.Fatalf("expected completed after full round at max rounds, got %s", got.Status)
	}
	if got.GlobalModel == nil {
		t.Fatal("expected aggregated global model")
	}
	if f.led.Length() != baseLen+2 {
		t.Fatalf("expected two ledger blocks, length %d", f.led.Length())
	}
	if !f.led.Validate() {
		t.Fatal("ledger must validate after round")
	}

	// roster released and final model persisted
	if node, _ := f.reg.Get("node-a"); node.Status != models.NodeOnline {
		t.Fatalf("expected node-a back online, got %s", node.Status)
	}
	f.store.mu.Lock()
	stored := len(f.store.saved)
	f.store.mu.Unlock()
	if stored != 1 {
		t.Fatalf("expected final model persisted once, got %d", stored)
	}
}

func TestSubmitUpdate_WrongKeyRejected(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	a := f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}

	baseLen := f.led.Length()

	// node-b signs with node-a's key
	update := []byte(`{"w":[9]}`)
	sig, err := f.km.Sign(update, a.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.coord.SubmitUpdate("job-1", "node-b", update, sig); err != coordinator.ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if f.led.Length() != baseLen {
		t.Fatalf("rejected update must not mine a block, length %d != %d", f.led.Length(), baseLen)
	}
}

func TestSubmitUpdate_NotInRoster(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)
	outsider := f.registerNode(t, "node-c", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}

	baseLen := f.led.Length()
	if err := f.signedSubmit(t, "job-1", outsider, `{"w":[9]}`); err != coordinator.ErrNotInRoster {
		t.Fatalf("expected ErrNotInRoster, got %v", err)
	}
	if f.led.Length() != baseLen {
		t.Fatal("non-roster submission must not mine a block")
	}
	if node, _ := f.reg.Get("node-c"); node.Status != models.NodeOnline {
		t.Fatalf("non-roster submission must not touch registry state, got %s", node.Status)
	}
}

func TestSubmitUpdate_UnknownJob(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	n := f.registerNode(t, "node-a", 100)

	if err := f.signedSubmit(t, "no-such-job", n, `{}`); err != coordinator.ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestSubmitUpdate_Duplicate(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	a := f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}

	if err := f.signedSubmit(t, "job-1", a, `{"w":[1]}`); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	baseLen := f.led.Length()
	if err := f.signedSubmit(t, "job-1", a, `{"w":[1]}`); err != coordinator.ErrDuplicateUpdate {
		t.Fatalf("expected ErrDuplicateUpdate, got %v", err)
	}
	if f.led.Length() != baseLen {
		t.Fatal("duplicate submission must not mine a block")
	}
}

func TestMultiRound_SettleDelayAdvance(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	a := f.registerNode(t, "node-a", 100)
	b := f.registerNode(t, "node-b", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 2, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}

	if err := f.signedSubmit(t, "job-1", a, `{"w":[1]}`); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := f.signedSubmit(t, "job-1", b, `{"w":[2]}`); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	// round 1 aggregated, job still active pending round 2
	got, _ := f.coord.GetJob("job-1")
	if got.Status != models.JobActive {
		t.Fatalf("expected active between rounds, got %s", got.Status)
	}
	if got.GlobalModel == nil {
		t.Fatal("expected round 1 global model")
	}

	// wait for the settle delay to advance the round
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ = f.coord.GetJob("job-1")
		if got.CurrentRound == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("round 2 never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// round 2 broadcast carries the round 1 global model
	var round2 *models.OutboundMessage
	for _, m := range f.notifier.messages("node-a") {
		if m.Type == models.MsgRoundStart && m.Round == 2 {
			round2 = &m
			break
		}
	}
	if round2 == nil {
		t.Fatal("expected round 2 start directive")
	}
	if round2.GlobalModel == nil {
		t.Fatal("round 2 must broadcast the aggregated model")
	}

	if err := f.signedSubmit(t, "job-1", a, `{"w":[3]}`); err != nil {
		t.Fatalf("round 2 submit a: %v", err)
	}
	if err := f.signedSubmit(t, "job-1", b, `{"w":[4]}`); err != nil {
		t.Fatalf("round 2 submit b: %v", err)
	}
	got, _ = f.coord.GetJob("job-1")
	if got.Status != models.JobCompleted {
		t.Fatalf("expected completed after round 2, got %s", got.Status)
	}
}

func TestAbortJob(t *testing.T) {
	f := newFixture(t, time.Hour) // settle delay long enough to never fire
	a := f.registerNode(t, "node-a", 100)
	b := f.registerNode(t, "node-b", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 3, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	if err := f.signedSubmit(t, "job-1", a, `{"w":[1]}`); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := f.signedSubmit(t, "job-1", b, `{"w":[2]}`); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	ledgerLen := f.led.Length()
	if err := f.coord.AbortJob("job-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got, _ := f.coord.GetJob("job-1")
	if got.Status != models.JobAborted {
		t.Fatalf("expected aborted, got %s", got.Status)
	}
	if f.led.Length() != ledgerLen {
		t.Fatal("abort must leave the ledger untouched")
	}
	if node, _ := f.reg.Get("node-a"); node.Status != models.NodeOnline {
		t.Fatalf("expected roster released to online, got %s", node.Status)
	}

	// released nodes are selectable again
	if _, err := f.coord.StartJob("job-2", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("expected released nodes to be eligible: %v", err)
	}

	if err := f.coord.AbortJob("job-1"); err != coordinator.ErrJobNotActive {
		t.Fatalf("expected ErrJobNotActive on double abort, got %v", err)
	}
}

func TestStartJob_BusyNodesExcluded(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job-1: %v", err)
	}

	// both nodes are held by job-1's roster
	if _, err := f.coord.StartJob("job-2", models.JobConfig{
		ModelType: "cnn", MinNodes: 1, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != coordinator.ErrInsufficientNodes {
		t.Fatalf("expected ErrInsufficientNodes while nodes are busy, got %v", err)
	}
}

func TestTrainingComplete(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.registerNode(t, "node-a", 100)
	f.registerNode(t, "node-b", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 2, MaxNodes: 2, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}

	if err := f.coord.TrainingComplete("job-1", "node-a"); err != nil {
		t.Fatalf("training complete: %v", err)
	}
	if node, _ := f.reg.Get("node-a"); node.Status != models.NodeOnline {
		t.Fatalf("expected online after training_complete, got %s", node.Status)
	}

	if err := f.coord.TrainingComplete("job-1", "node-z"); err != coordinator.ErrNotInRoster {
		t.Fatalf("expected ErrNotInRoster, got %v", err)
	}
}

func TestEvents_Published(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	a := f.registerNode(t, "node-a", 100)

	if _, err := f.coord.StartJob("job-1", models.JobConfig{
		ModelType: "cnn", MinNodes: 1, MaxNodes: 1, MaxRounds: 1, MinStake: 0,
	}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	if err := f.signedSubmit(t, "job-1", a, `{"w":[1]}`); err != nil {
		t.Fatalf("submit: %v", err)
	}

	want := []string{
		coordinator.EventJobStarted,
		coordinator.EventRoundStarted,
		coordinator.EventAggregationCompleted,
		coordinator.EventJobCompleted,
	}
	for _, typ := range want {
		select {
		case ev := <-f.coord.Events():
			if ev.Type != typ {
				t.Fatalf("expected event %s, got %s", typ, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}
