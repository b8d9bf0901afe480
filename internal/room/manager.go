package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/internal/tree"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// DefaultDisconnectGrace is the departure-broadcast delay after a
// connection drops without an explicit leave.
const DefaultDisconnectGrace = time.Second

// Manager owns the live room actors and the cross-room concerns:
// connection registration, system-wide status fan-out and the advisory
// lock table guarding destructive tree mutations.
type Manager struct {
	rooms    store.RoomStore
	engine   *tree.Engine
	presence *Registry
	locks    *LockTable
	grace    time.Duration

	mu     sync.Mutex
	active map[string]*Room
	conns  map[string]Client
	closed bool
}

// NewManager wires the coordinator over a room store and tree engine.
// A non-positive grace falls back to DefaultDisconnectGrace.
func NewManager(rooms store.RoomStore, engine *tree.Engine, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = DefaultDisconnectGrace
	}
	return &Manager{
		rooms:    rooms,
		engine:   engine,
		presence: NewRegistry(),
		locks:    NewLockTable(),
		grace:    grace,
		active:   make(map[string]*Room),
		conns:    make(map[string]Client),
	}
}

// Presence exposes the connection registry shared with the gateway.
func (m *Manager) Presence() *Registry { return m.presence }

// Engine exposes the file-tree mutation engine.
func (m *Manager) Engine() *tree.Engine { return m.engine }

// Room returns the live actor for a room, starting it from the store on
// first use.
func (m *Manager) Room(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if r, ok := m.active[roomID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	rec, err := m.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrRoomClosed
	}
	if r, ok := m.active[roomID]; ok {
		return r, nil
	}
	r := newRoom(rec, m.rooms, m.engine, m.presence, m.grace)
	m.active[roomID] = r
	log.Info().Str("room", roomID).Msg("room actor started")
	return r, nil
}

// Register adds a connection to the presence registry and the
// system-wide broadcast set. Called once per websocket, before any
// room join.
func (m *Manager) Register(c Client) {
	m.presence.Connect(c.ID(), c.User())
	m.mu.Lock()
	m.conns[c.ID()] = c
	m.mu.Unlock()
}

// Unregister drops a connection from every room it joined and from the
// presence registry.
func (m *Manager) Unregister(c Client) {
	m.mu.Lock()
	delete(m.conns, c.ID())
	rooms := make([]*Room, 0, len(m.active))
	for _, r := range m.active {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		r.Disconnect(c)
	}
	m.presence.Disconnect(c.ID())
}

// SetStatus updates a user's account-level status across all of their
// connections. The change is fanned out system-wide so contact lists
// outside the user's rooms refresh too, and each live room rebroadcasts
// the derived pair.
func (m *Manager) SetStatus(userID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w %q", ErrInvalidStatus, status)
	}
	if !m.presence.SetStatus(userID, status) {
		return nil
	}

	m.mu.Lock()
	conns := make([]Client, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	rooms := make([]*Room, 0, len(m.active))
	for _, r := range m.active {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	env, err := proto.NewEnvelope(proto.TypeStatusChanged, proto.StatusChanged{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		return err
	}
	for _, c := range conns {
		c.Send(env)
	}
	for _, r := range rooms {
		r.NotifyStatus(userID)
	}
	return nil
}

// withPathLock runs a destructive tree mutation under the room's
// advisory lock for the given path. A second writer contending for the
// same path observes ErrLocked instead of blocking; the lock is
// released on every outcome.
func (m *Manager) withPathLock(roomID, path, holder string, fn func() error) error {
	if !m.locks.Acquire(roomID, path, holder) {
		return fmt.Errorf("%w: %s", ErrLocked, path)
	}
	defer m.locks.Release(roomID, path)
	return fn()
}

// CreateItem creates a file or folder and announces it to the room.
func (m *Manager) CreateItem(ctx context.Context, roomID string, actor proto.User, req proto.CreateItemRequest) (proto.FileNode, error) {
	node, err := m.engine.Create(ctx, roomID, actor, req.Name, req.Kind, req.ParentID)
	if err != nil {
		return proto.FileNode{}, err
	}
	m.notifyFiles(roomID, proto.TypeFilesCreated, actor, []proto.FileNode{node})
	return node, nil
}

// UploadFiles attaches a batch of files all-or-nothing and announces
// the batch to the room.
func (m *Manager) UploadFiles(ctx context.Context, roomID string, actor proto.User, req proto.UploadFilesRequest) ([]proto.FileNode, error) {
	nodes, err := m.engine.Upload(ctx, roomID, actor, req.Files, req.ParentID)
	if err != nil {
		return nil, err
	}
	m.notifyFiles(roomID, proto.TypeFilesUploaded, actor, nodes)
	return nodes, nil
}

// MoveItem reparents a node under the node's path lock.
func (m *Manager) MoveItem(ctx context.Context, roomID string, actor proto.User, req proto.MoveItemRequest) (proto.FileNode, error) {
	var node proto.FileNode
	err := m.withPathLock(roomID, req.NodeID, actor.ID, func() error {
		var err error
		node, err = m.engine.Move(ctx, roomID, actor, req.NodeID, req.NewParentID)
		return err
	})
	if err != nil {
		return proto.FileNode{}, err
	}
	m.notifyFiles(roomID, proto.TypeFilesMoved, actor, []proto.FileNode{node})
	return node, nil
}

// DeleteItem removes a node, cascading through folders, under the
// node's path lock. Exactly one of two concurrent deletes of the same
// node performs the removal; the other sees ErrLocked or ErrNotFound.
func (m *Manager) DeleteItem(ctx context.Context, roomID string, actor proto.User, req proto.DeleteItemRequest) ([]proto.FileNode, error) {
	var removed []proto.FileNode
	err := m.withPathLock(roomID, req.NodeID, actor.ID, func() error {
		var err error
		removed, err = m.engine.Delete(ctx, roomID, actor, req.NodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.notifyFiles(roomID, proto.TypeFilesDeleted, actor, removed)
	return removed, nil
}

// notifyFiles routes a tree-mutation broadcast through the room actor
// when the room is live. A room nobody has joined has no actor and
// nothing to notify.
func (m *Manager) notifyFiles(roomID, eventType string, actor proto.User, nodes []proto.FileNode) {
	m.mu.Lock()
	r, ok := m.active[roomID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.BroadcastFiles(eventType, actor, nodes)
}

// Close stops every room actor. In-flight mailbox work is abandoned.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := make([]*Room, 0, len(m.active))
	for _, r := range m.active {
		rooms = append(rooms, r)
	}
	m.active = map[string]*Room{}
	m.mu.Unlock()

	for _, r := range rooms {
		r.close()
	}
}
