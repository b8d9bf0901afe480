package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// FileStore keeps room documents in memory and mirrors every change to
// one JSON file per room under dataDir. It models a document-oriented
// deployment without multi-document transactions; BeginTx always
// reports ErrTxUnsupported.
type FileStore struct {
	dir   string
	mu    sync.Mutex
	rooms map[string]*Room
}

// OpenFileStore loads every room document found under dir, creating the
// directory if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create room dir: %v", ErrStoreUnavailable, err)
	}

	fs := &FileStore{dir: dir, rooms: make(map[string]*Room)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read room dir: %v", ErrStoreUnavailable, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read room file %s: %v", ErrStoreUnavailable, entry.Name(), err)
		}
		var room Room
		if err := json.Unmarshal(data, &room); err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unreadable room document")
			continue
		}
		fs.rooms[room.ID] = &room
	}

	log.Info().Str("dir", dir).Int("rooms", len(fs.rooms)).Msg("room store opened")
	return fs, nil
}

func (f *FileStore) roomPath(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// save writes one room document with fsync. Callers hold f.mu.
func (f *FileStore) save(room *Room) error {
	data, err := json.MarshalIndent(room, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal room %s: %w", room.ID, err)
	}
	return syncedWriteFile(f.roomPath(room.ID), data, 0o644)
}

func (f *FileStore) GetRoom(_ context.Context, id string) (*Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return room.Clone(), nil
}

func (f *FileStore) PutRoom(_ context.Context, room *Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := room.Clone()
	if err := f.save(cp); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f.rooms[cp.ID] = cp
	return nil
}

func (f *FileStore) ReplaceFiles(_ context.Context, roomID string, files []proto.FileNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	cp := room.Clone()
	cp.Files = append([]proto.FileNode(nil), files...)
	if err := f.save(cp); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f.rooms[roomID] = cp
	return nil
}

func (f *FileStore) UpdateRoster(_ context.Context, roomID string, roster []RosterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	cp := room.Clone()
	cp.Roster = append([]RosterEntry(nil), roster...)
	if err := f.save(cp); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	f.rooms[roomID] = cp
	return nil
}

// BeginTx reports ErrTxUnsupported: the file deployment has no
// multi-document transactions, so callers take the sequential path.
func (f *FileStore) BeginTx(_ context.Context) (Tx, error) {
	return nil, ErrTxUnsupported
}

// syncedWriteFile writes data and fsyncs so a room document survives
// sudden power loss. HIVECODEX_TEST=1 skips the fsync; tests run in
// throwaway temp dirs where it only costs time.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(data); err != nil {
		return err
	}
	if os.Getenv("HIVECODEX_TEST") == "" {
		if err := file.Sync(); err != nil {
			return err
		}
	}
	return nil
}
