// Package policy holds the process-wide MITM toggles behind a
// snapshot-on-read store: handlers read an immutable snapshot per frame,
// admin updates are serialized behind a mutex.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// State is the runtime policy. The zero value blocks nothing and
// modifies nothing; Defaults matches the shipped bootstrap.
type State struct {
	MITMEnabled    bool   `json:"mitm_enabled"`
	BypassPIN      bool   `json:"bypass_pin"`
	CDCVMEnabled   bool   `json:"cdcvm_enabled"`
	EnhancedLimits bool   `json:"enhanced_limits"`
	BlockAll       bool   `json:"block_all"`
	PrivateKeyPath string `json:"private_key_path"`
}

func Defaults() State {
	return State{
		MITMEnabled:  true,
		BypassPIN:    true,
		CDCVMEnabled: true,
	}
}

// Load reads the bootstrap JSON blob over Defaults.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("policy load failed (%s): %w", path, err)
	}
	state := Defaults()
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("policy parse failed (%s): %w", path, err)
	}
	return state, nil
}

// Patch is a partial update; nil fields keep their current value.
type Patch struct {
	MITMEnabled    *bool   `json:"mitm_enabled,omitempty"`
	BypassPIN      *bool   `json:"bypass_pin,omitempty"`
	CDCVMEnabled   *bool   `json:"cdcvm_enabled,omitempty"`
	EnhancedLimits *bool   `json:"enhanced_limits,omitempty"`
	BlockAll       *bool   `json:"block_all,omitempty"`
	PrivateKeyPath *string `json:"private_key_path,omitempty"`
}

// SessionAllowed strips the fields a CONFIG frame may never touch.
func (p Patch) SessionAllowed() Patch {
	p.BlockAll = nil
	p.PrivateKeyPath = nil
	return p
}

// KeyLoader reloads signing material for a new key path. An error rejects
// the patch and keeps the prior key and path.
type KeyLoader func(path string) error

// Store publishes State snapshots. Reads are lock free.
type Store struct {
	mu        sync.Mutex
	cur       atomic.Pointer[State]
	reloadKey KeyLoader
}

func NewStore(initial State, reloadKey KeyLoader) *Store {
	s := &Store{reloadKey: reloadKey}
	s.cur.Store(&initial)
	return s
}

// Snapshot returns the state valid for the duration of one frame.
func (s *Store) Snapshot() State {
	return *s.cur.Load()
}

// Update applies the patch atomically. A key-path change reloads the key
// synchronously first; on failure nothing changes.
func (s *Store) Update(patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cur.Load()
	if patch.PrivateKeyPath != nil && *patch.PrivateKeyPath != next.PrivateKeyPath {
		if s.reloadKey != nil {
			if err := s.reloadKey(*patch.PrivateKeyPath); err != nil {
				return fmt.Errorf("policy: key reload rejected: %w", err)
			}
		}
		next.PrivateKeyPath = *patch.PrivateKeyPath
	}
	if patch.MITMEnabled != nil {
		next.MITMEnabled = *patch.MITMEnabled
	}
	if patch.BypassPIN != nil {
		next.BypassPIN = *patch.BypassPIN
	}
	if patch.CDCVMEnabled != nil {
		next.CDCVMEnabled = *patch.CDCVMEnabled
	}
	if patch.EnhancedLimits != nil {
		next.EnhancedLimits = *patch.EnhancedLimits
	}
	if patch.BlockAll != nil {
		next.BlockAll = *patch.BlockAll
	}

	s.cur.Store(&next)
	return nil
}
