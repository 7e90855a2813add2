// Package journal appends one JSON event object per line to
// data/journal/{instance_id}.jsonl. Event kinds are signal, fill, and
// error; backtests write the same format into their run artifact
// folder.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind is the event discriminator.
type Kind string

const (
	KindSignal Kind = "signal"
	KindFill   Kind = "fill"
	KindError  Kind = "error"
)

// Event is one journal line.
type Event struct {
	Kind       Kind           `json:"kind"`
	Timestamp  time.Time      `json:"ts"`
	InstanceID string         `json:"instance_id"`
	Symbol     string         `json:"symbol,omitempty"`
	Direction  string         `json:"direction,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OrderID    string         `json:"order_id,omitempty"`
	Price      string         `json:"price,omitempty"`
	SizeUSDT   string         `json:"size_usdt,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Journal is an append-only JSONL writer. Writes are serialized by
// one mutex; a write failure is logged once and the journal degrades
// to a no-op rather than failing the trading path.
type Journal struct {
	mu         sync.Mutex
	f          *os.File
	instanceID string
	broken     bool
}

// Open creates (or appends to) the journal for instanceID under dir.
func Open(dir, instanceID string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, instanceID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	return &Journal{f: f, instanceID: instanceID}, nil
}

// Append writes one event line. The instance id and timestamp are
// stamped here so callers only fill the payload.
func (j *Journal) Append(ev Event) {
	if j == nil {
		return
	}
	ev.InstanceID = j.instanceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.broken {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := j.f.Write(line); err != nil {
		j.broken = true
		log.Error().Err(err).Str("instance_id", j.instanceID).Msg("journal: write failed, disabling journal")
	}
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
