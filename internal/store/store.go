// Package store defines the persistent room store and blob store the
// sync core runs against, with an in-memory implementation, a
// file-backed implementation, and a transactional execution helper that
// degrades to sequential execution on deployments without
// multi-document transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// Store error types.
var (
	ErrNotFound         = errors.New("room not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTxUnsupported    = errors.New("transactions unsupported")
)

// RosterEntry is one persisted room participant. Entries survive
// disconnects and are only removed by an explicit leave.
type RosterEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Room is the persisted room document: identity, file tree and roster.
type Room struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	OwnerID   string           `json:"ownerId"`
	Files     []proto.FileNode `json:"files"`
	Roster    []RosterEntry    `json:"roster"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// store's state.
func (r *Room) Clone() *Room {
	cp := *r
	cp.Files = append([]proto.FileNode(nil), r.Files...)
	cp.Roster = append([]RosterEntry(nil), r.Roster...)
	return &cp
}

// RoomStore is the document-oriented persistence interface the core
// consumes. Implementations return ErrNotFound for missing rooms.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
	PutRoom(ctx context.Context, room *Room) error
	ReplaceFiles(ctx context.Context, roomID string, files []proto.FileNode) error
	UpdateRoster(ctx context.Context, roomID string, roster []RosterEntry) error
}

// Tx is a transactional view of a RoomStore. Mutations become visible
// atomically on Commit and are discarded on Rollback.
type Tx interface {
	RoomStore
	Commit() error
	Rollback() error
}

// TxBeginner is implemented by stores that may support multi-document
// transactions. BeginTx returns ErrTxUnsupported when the backing
// deployment does not.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// RunAtomic executes fn as a single unit of work. When the store
// supports transactions the work runs inside one and commits at the
// end; when BeginTx reports ErrTxUnsupported the work degrades to
// ordered sequential execution against the store directly. Callers must
// order their writes so the sequential path leaves no partial side
// effects visible on failure.
func RunAtomic(ctx context.Context, s RoomStore, fn func(ctx context.Context, s RoomStore) error) error {
	if tb, ok := s.(TxBeginner); ok {
		tx, err := tb.BeginTx(ctx)
		switch {
		case errors.Is(err, ErrTxUnsupported):
			// Sequential fallback below.
		case err != nil:
			return err
		default:
			if err := fn(ctx, tx); err != nil {
				_ = tx.Rollback()
				return err
			}
			return tx.Commit()
		}
	}
	return fn(ctx, s)
}
