package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// MemoryStore is an in-memory RoomStore. With transactions enabled it
// models a deployment that supports multi-document transactions;
// without, BeginTx reports ErrTxUnsupported so callers exercise the
// sequential fallback.
type MemoryStore struct {
	mu            sync.RWMutex
	rooms         map[string]*Room
	transactional bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(transactional bool) *MemoryStore {
	return &MemoryStore{
		rooms:         make(map[string]*Room),
		transactional: transactional,
	}
}

func (m *MemoryStore) GetRoom(_ context.Context, id string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return room.Clone(), nil
}

func (m *MemoryStore) PutRoom(_ context.Context, room *Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room.Clone()
	return nil
}

func (m *MemoryStore) ReplaceFiles(_ context.Context, roomID string, files []proto.FileNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	room.Files = append([]proto.FileNode(nil), files...)
	return nil
}

func (m *MemoryStore) UpdateRoster(_ context.Context, roomID string, roster []RosterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	room.Roster = append([]RosterEntry(nil), roster...)
	return nil
}

// BeginTx starts a copy-on-write transaction, or reports
// ErrTxUnsupported when the store was created non-transactional.
func (m *MemoryStore) BeginTx(_ context.Context) (Tx, error) {
	if !m.transactional {
		return nil, ErrTxUnsupported
	}
	return &memoryTx{store: m, staged: make(map[string]*Room)}, nil
}

// memoryTx stages room mutations and swaps them in atomically on
// Commit.
type memoryTx struct {
	store  *MemoryStore
	staged map[string]*Room
	done   bool
}

// room returns the staged copy of a room, loading it from the store on
// first touch.
func (tx *memoryTx) room(id string) (*Room, error) {
	if room, ok := tx.staged[id]; ok {
		if room == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return room, nil
	}
	tx.store.mu.RLock()
	room, ok := tx.store.rooms[id]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := room.Clone()
	tx.staged[id] = cp
	return cp, nil
}

func (tx *memoryTx) GetRoom(_ context.Context, id string) (*Room, error) {
	room, err := tx.room(id)
	if err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

func (tx *memoryTx) PutRoom(_ context.Context, room *Room) error {
	tx.staged[room.ID] = room.Clone()
	return nil
}

func (tx *memoryTx) ReplaceFiles(_ context.Context, roomID string, files []proto.FileNode) error {
	room, err := tx.room(roomID)
	if err != nil {
		return err
	}
	room.Files = append([]proto.FileNode(nil), files...)
	return nil
}

func (tx *memoryTx) UpdateRoster(_ context.Context, roomID string, roster []RosterEntry) error {
	room, err := tx.room(roomID)
	if err != nil {
		return err
	}
	room.Roster = append([]RosterEntry(nil), roster...)
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for id, room := range tx.staged {
		if room == nil {
			delete(tx.store.rooms, id)
			continue
		}
		tx.store.rooms[id] = room
	}
	return nil
}

func (tx *memoryTx) Rollback() error {
	tx.done = true
	tx.staged = nil
	return nil
}
