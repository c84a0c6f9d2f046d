package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedcoord/models"
)

const (
	// DefaultDifficulty is the number of leading zero hex characters a
	// block hash must carry.
	DefaultDifficulty = 2

	genesisPrevHash = "0"
)

// Ledger is the single append-only, hash-chained audit log shared by all
// jobs. Appends are serialized (one miner at a time); reads work on copies
// so they may run concurrently with mining.
type Ledger struct {
	mux        sync.Mutex
	chain      []models.Block
	difficulty int
	logger     *zap.Logger
}

// NewLedger constructs a ledger containing only the genesis block.
// A difficulty below zero is clamped to the default.
func NewLedger(difficulty int, logger *zap.Logger) *Ledger {
	if difficulty < 0 {
		difficulty = DefaultDifficulty
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{difficulty: difficulty, logger: logger}

	genesis := models.Block{
		Index:     0,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   json.RawMessage(`{"genesis":true}`),
		PrevHash:  genesisPrevHash,
	}
	l.mine(&genesis)
	l.chain = append(l.chain, genesis)
	return l
}

// Append marshals payload, mines a block referencing the current tail and
// appends it. Mining is CPU-bound; callers relying on low latency should
// keep difficulty small.
func (l *Ledger) Append(payload interface{}) (models.Block, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Block{}, fmt.Errorf("marshal ledger payload: %w", err)
	}

	l.mux.Lock()
	defer l.mux.Unlock()

	tail := l.chain[len(l.chain)-1]
	block := models.Block{
		Index:     tail.Index + 1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   data,
		PrevHash:  tail.Hash,
	}
	l.mine(&block)
	l.chain = append(l.chain, block)

	l.logger.Debug("Mined ledger block",
		zap.Int("index", block.Index),
		zap.Int("nonce", block.Nonce),
		zap.String("hash", block.Hash))
	return block, nil
}

// Validate recomputes every block hash and every prev-hash linkage.
// Returns false on the first mismatch. Works on a snapshot, so it is
// safe to call while appends are in flight.
func (l *Ledger) Validate() bool {
	chain := l.Blocks()
	for i, b := range chain {
		if b.Hash != computeHash(b) {
			l.logger.Warn("Ledger block hash mismatch", zap.Int("index", b.Index))
			return false
		}
		if i > 0 && b.PrevHash != chain[i-1].Hash {
			l.logger.Warn("Ledger chain linkage broken", zap.Int("index", b.Index))
			return false
		}
	}
	return true
}

// Length returns the number of blocks including genesis.
func (l *Ledger) Length() int {
	l.mux.Lock()
	defer l.mux.Unlock()
	return len(l.chain)
}

// Tail returns the most recently mined block.
func (l *Ledger) Tail() models.Block {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.chain[len(l.chain)-1]
}

// Blocks returns a copy of the full chain for audits and the query surface.
func (l *Ledger) Blocks() []models.Block {
	l.mux.Lock()
	defer l.mux.Unlock()
	out := make([]models.Block, len(l.chain))
	copy(out, l.chain)
	return out
}

// mine searches for a nonce whose hash carries the required number of
// leading zero hex characters. Difficulty 0 accepts the first candidate.
func (l *Ledger) mine(b *models.Block) {
	prefix := strings.Repeat("0", l.difficulty)
	for {
		b.Hash = computeHash(*b)
		if strings.HasPrefix(b.Hash, prefix) {
			return
		}
		b.Nonce++
	}
}

// computeHash hashes the deterministic concatenation of the block fields,
// excluding the hash itself.
func computeHash(b models.Block) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d", b.Index, b.Timestamp, b.Payload, b.PrevHash, b.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}
