// Package manager implements C10: the engine manager. It allocates
// instance ids, enforces the concurrency caps, and maintains the
// cross-process registry of JSON instance files with PID liveness
// probes plus the pause marker IPC.
package manager

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/types"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Instance is one in-process running engine tracked by the manager.
type Instance struct {
	ID        string
	PlayID    string
	Symbol    string
	Mode      types.Mode
	StartedAt time.Time
	Status    types.InstanceStatus
	Stats     func() map[string]any
	Stop      func()
}

// Manager is the singleton registry, constructed once in main and
// passed down.
type Manager struct {
	mu        sync.Mutex
	dir       string
	instances map[string]*Instance
	rand      *rand.Rand
}

// DefaultDir is the cross-process registry directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".trade", "instances")
	}
	return filepath.Join(home, ".trade", "instances")
}

// New builds a manager rooted at dir, creating it if needed.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manager: creating %s: %w", dir, err)
	}
	return &Manager{
		dir:       dir,
		instances: make(map[string]*Instance),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NewInstanceID allocates "{play}_{mode}_{rand8}".
func (m *Manager) NewInstanceID(playID string, mode types.Mode) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = idAlphabet[m.rand.Intn(len(idAlphabet))]
	}
	return fmt.Sprintf("%s_%s_%s", playID, mode, suffix)
}

// Register checks the concurrency caps under the lock, then records
// the instance in memory and on disk. Violations return
// ErrConcurrencyLimit before any resources are allocated.
func (m *Manager) Register(inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCapsLocked(inst); err != nil {
		return err
	}

	m.instances[inst.ID] = inst
	if err := m.writeRecordLocked(inst); err != nil {
		delete(m.instances, inst.ID)
		return err
	}
	log.Info().
		Str("instance_id", inst.ID).
		Str("mode", string(inst.Mode)).
		Str("symbol", inst.Symbol).
		Msg("manager: instance registered")
	return nil
}

// Caps: at most one live engine anywhere (safety), one demo engine
// per symbol, one backtest per process. Cross-process records count
// toward the live and demo caps; a dead PID's record does not.
func (m *Manager) checkCapsLocked(inst *Instance) error {
	all := m.listAllLocked()
	for _, rec := range all {
		if rec.InstanceID == inst.ID {
			continue
		}
		switch {
		case inst.Mode == types.ModeLive && rec.Mode == types.ModeLive:
			return fmt.Errorf("manager: a live engine is already running (%s): %w",
				rec.InstanceID, coreerr.ErrConcurrencyLimit)
		case inst.Mode == types.ModeDemo && rec.Mode == types.ModeDemo && rec.Symbol == inst.Symbol:
			return fmt.Errorf("manager: a demo engine already runs %s (%s): %w",
				inst.Symbol, rec.InstanceID, coreerr.ErrConcurrencyLimit)
		}
	}
	if inst.Mode == types.ModeBacktest {
		for _, other := range m.instances {
			if other.Mode == types.ModeBacktest {
				return fmt.Errorf("manager: a backtest is already running in this process: %w",
					coreerr.ErrConcurrencyLimit)
			}
		}
	}
	return nil
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *Manager) pausePath(id string) string {
	return filepath.Join(m.dir, id+".pause")
}

func (m *Manager) writeRecordLocked(inst *Instance) error {
	rec := types.InstanceRecord{
		InstanceID: inst.ID,
		PID:        os.Getpid(),
		PlayID:     inst.PlayID,
		Symbol:     inst.Symbol,
		Mode:       inst.Mode,
		StartedAt:  inst.StartedAt,
		Status:     inst.Status,
	}
	if inst.Stats != nil {
		rec.Stats = inst.Stats()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("manager: encoding record: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(m.recordPath(inst.ID), data, 0o644); err != nil {
		return fmt.Errorf("manager: writing record: %w", err)
	}
	return nil
}

// UpdateStatus rewrites the on-disk record with a new status.
func (m *Manager) UpdateStatus(id string, status types.InstanceStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return
	}
	inst.Status = status
	if err := m.writeRecordLocked(inst); err != nil {
		log.Warn().Err(err).Str("instance_id", id).Msg("manager: status update failed")
	}
}

// Deregister removes the instance and its on-disk record, freeing its
// concurrency slot. It is also the crash-cleanup path: the supervisor
// calls it when a background task raises.
func (m *Manager) Deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	if err := os.Remove(m.recordPath(id)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("instance_id", id).Msg("manager: record removal failed")
	}
	os.Remove(m.pausePath(id))
	log.Info().Str("instance_id", id).Msg("manager: instance deregistered")
}

// ListAll merges in-process instances with on-disk records from other
// processes, dropping records whose PID is no longer alive.
func (m *Manager) ListAll() []types.InstanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAllLocked()
}

func (m *Manager) listAllLocked() []types.InstanceRecord {
	byID := make(map[string]types.InstanceRecord)

	entries, err := os.ReadDir(m.dir)
	if err == nil {
		for _, entry := range entries {
			if filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
			if err != nil {
				continue
			}
			var rec types.InstanceRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			if rec.PID != os.Getpid() && !pidAlive(rec.PID) {
				// Stale record from a dead process; ignore (and leave
				// removal to that id's next writer).
				continue
			}
			byID[rec.InstanceID] = rec
		}
	}

	for id, inst := range m.instances {
		rec := types.InstanceRecord{
			InstanceID: id,
			PID:        os.Getpid(),
			PlayID:     inst.PlayID,
			Symbol:     inst.Symbol,
			Mode:       inst.Mode,
			StartedAt:  inst.StartedAt,
			Status:     inst.Status,
		}
		if inst.Stats != nil {
			rec.Stats = inst.Stats()
		}
		byID[id] = rec
	}

	out := make([]types.InstanceRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	return out
}

// Pause drops the pause marker for id. The live runner polls it each
// bar: entries are suppressed while it exists, exits keep running.
func (m *Manager) Pause(id string) error {
	return os.WriteFile(m.pausePath(id), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// Resume removes the pause marker.
func (m *Manager) Resume(id string) error {
	err := os.Remove(m.pausePath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsPaused probes the pause marker. This is the probe handed to the
// engine as its Paused hook.
func (m *Manager) IsPaused(id string) bool {
	_, err := os.Stat(m.pausePath(id))
	return err == nil
}

// StopAll stops every in-process instance.
func (m *Manager) StopAll() {
	m.mu.Lock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()
	for _, inst := range insts {
		if inst.Stop != nil {
			inst.Stop()
		}
		m.Deregister(inst.ID)
	}
}
