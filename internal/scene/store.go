package scene

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/mosaic/internal/media"
)

// ErrUnknownOutput is returned when a scene targets an output the store does
// not know.
var ErrUnknownOutput = errors.New("output not registered")

type slot struct {
	res     media.Resolution
	current atomic.Pointer[Scene]
}

// Store holds the current scene of every output. Readers load a scene with a
// single atomic read and never observe a partially built tree.
type Store struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{slots: make(map[string]*slot)}
}

// Add registers an output. Until a scene is set, Current returns an empty
// scene with version 0.
func (s *Store) Add(outputID string, res media.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[outputID]; ok {
		return
	}
	sl := &slot{res: res}
	sl.current.Store(&Scene{OutputID: outputID, Resolution: res})
	s.slots[outputID] = sl
}

// Remove drops an output and its scene.
func (s *Store) Remove(outputID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, outputID)
}

// Current returns the output's current scene, or nil if the output is not
// registered.
func (s *Store) Current(outputID string) *Scene {
	s.mu.RLock()
	sl, ok := s.slots[outputID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return sl.current.Load()
}

// Update validates and installs new scenes. Every update is checked before
// any is applied: one invalid tree or unknown output rejects the whole batch.
// It returns the installed scenes.
func (s *Store) Update(updates []OutputScene) ([]*Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, u := range updates {
		if _, ok := s.slots[u.OutputID]; !ok {
			return nil, fmt.Errorf("outputs[%d]: %q: %w", i, u.OutputID, ErrUnknownOutput)
		}
		if err := Validate(u.Root); err != nil {
			return nil, fmt.Errorf("outputs[%d]: %w", i, err)
		}
	}

	installed := make([]*Scene, 0, len(updates))
	for _, u := range updates {
		sl := s.slots[u.OutputID]
		audio := make([]AudioInput, len(u.Audio))
		copy(audio, u.Audio)
		for {
			old := sl.current.Load()
			next := &Scene{
				OutputID:   u.OutputID,
				Version:    old.Version + 1,
				Root:       u.Root.Clone(),
				Audio:      audio,
				Resolution: sl.res,
			}
			if sl.current.CompareAndSwap(old, next) {
				installed = append(installed, next)
				break
			}
		}
	}
	return installed, nil
}
