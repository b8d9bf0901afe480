// Package room implements the room coordinator: per-room actors that
// own the canonical documents, roster and broadcast group, the
// process-wide presence registry, and the per-path lock table that
// serializes destructive tree operations.
package room

import (
	"sync"
	"time"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// Account-level activity statuses.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// StatusInRoom is the derived room-level status for a participant whose
// current room is the one being rendered.
const StatusInRoom = "in-room"

// ValidStatus reports whether s is an account-level status a client may
// set.
func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusBusy, StatusAway, StatusOffline:
		return true
	}
	return false
}

// DerivePresence maps a participant's account status and whether their
// current room is the room being rendered onto the displayed (room,
// global) status pair. The mapping is deterministic; clients depend on
// it exactly.
func DerivePresence(accountStatus string, inThisRoom bool) (roomStatus, globalStatus string) {
	if accountStatus == StatusOffline || accountStatus == "" {
		return StatusOffline, StatusOffline
	}
	if inThisRoom {
		return StatusInRoom, StatusOnline
	}
	if accountStatus == StatusAway {
		return StatusAway, StatusAway
	}
	return StatusOnline, StatusOnline
}

// presenceEntry is the live state of one connection.
type presenceEntry struct {
	User         proto.User
	RoomID       string
	Status       string
	CursorFile   string
	CursorLine   int
	CursorColumn int
	TypingFile   string
	LastActivity time.Time
}

// Registry is the process-wide presence table, one entry per live
// connection. It carries no persistence; state is rebuilt from live
// connections. Room actors and the system-wide status broadcast access
// it concurrently, so it locks internally.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*presenceEntry // connection id -> entry
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*presenceEntry)}
}

// Connect records a new connection with online status and no room.
func (r *Registry) Connect(connID string, user proto.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[connID] = &presenceEntry{
		User:         user,
		Status:       StatusOnline,
		LastActivity: time.Now(),
	}
}

// Disconnect removes a connection.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, connID)
}

// EnterRoom records the connection's current room.
func (r *Registry) EnterRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connID]; ok {
		e.RoomID = roomID
		e.LastActivity = time.Now()
	}
}

// LeaveRoom clears the connection's current room if it matches roomID.
func (r *Registry) LeaveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connID]; ok && e.RoomID == roomID {
		e.RoomID = ""
	}
}

// SetStatus updates the account-level status for every connection of
// the user and returns whether any entry changed.
func (r *Registry) SetStatus(userID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := false
	for _, e := range r.entries {
		if e.User.ID == userID && e.Status != status {
			e.Status = status
			e.LastActivity = time.Now()
			changed = true
		}
	}
	return changed
}

// SetCursor records a cursor position.
func (r *Registry) SetCursor(connID, fileID string, line, column int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connID]; ok {
		e.CursorFile = fileID
		e.CursorLine = line
		e.CursorColumn = column
		e.LastActivity = time.Now()
	}
}

// SetTyping records typing activity; an empty fileID clears it.
func (r *Registry) SetTyping(connID, fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[connID]; ok {
		e.TypingFile = fileID
		e.LastActivity = time.Now()
	}
}

// UserPresence returns the account status of a user and whether any of
// their connections is currently in roomID. A user with no live
// connection is offline.
func (r *Registry) UserPresence(userID, roomID string) (status string, inRoom bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status = StatusOffline
	for _, e := range r.entries {
		if e.User.ID != userID {
			continue
		}
		if status == StatusOffline {
			status = e.Status
		}
		if e.RoomID == roomID {
			inRoom = true
		}
	}
	return status, inRoom
}
