package tree

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// Engine executes file-tree mutations against the persistent store.
// Each operation is a single logical unit of work: transactional when
// the store supports it, ordered best-effort otherwise, with no partial
// tree state visible to callers on failure. The tree is mutated only
// through these entry points so the forest invariant is enforced at one
// choke point, and mutations on the same room are serialized so no
// commit overwrites another writer's.
type Engine struct {
	rooms store.RoomStore
	blobs store.BlobStore

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

// NewEngine creates a mutation engine over the given stores.
func NewEngine(rooms store.RoomStore, blobs store.BlobStore) *Engine {
	return &Engine{
		rooms:   rooms,
		blobs:   blobs,
		writers: make(map[string]*sync.Mutex),
	}
}

// lockRoom serializes mutations on one room. The store commits by
// replacing the whole file list, so two writers cloning the same base
// would silently erase each other's commit.
func (e *Engine) lockRoom(roomID string) func() {
	e.mu.Lock()
	l, ok := e.writers[roomID]
	if !ok {
		l = new(sync.Mutex)
		e.writers[roomID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create adds an empty file or folder under parentID. Fails with
// ErrNotFound when parentID does not resolve to an existing folder and
// ErrConflict when a sibling with the same name and kind exists.
func (e *Engine) Create(ctx context.Context, roomID string, actor proto.User, name, kind, parentID string) (proto.FileNode, error) {
	if name == "" || (kind != KindFile && kind != KindFolder) {
		return proto.FileNode{}, fmt.Errorf("%w: name %q kind %q", ErrInvalidOperation, name, kind)
	}
	defer e.lockRoom(roomID)()

	var created proto.FileNode
	err := store.RunAtomic(ctx, e.rooms, func(ctx context.Context, s store.RoomStore) error {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		idx := buildIndex(room.Files)
		if !idx.folder(room.Files, parentID) {
			return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if idx.siblingExists(room.Files, parentID, name, kind) {
			return fmt.Errorf("%w: %s %q under %q", ErrConflict, kind, name, parentID)
		}

		created = proto.FileNode{
			ID:             uuid.NewString(),
			Name:           name,
			Kind:           kind,
			ParentID:       parentID,
			LastModified:   time.Now().UTC(),
			LastModifiedBy: actor.ID,
		}
		if kind == KindFile {
			created.Extension = extension(name)
			blobID, err := e.blobs.Put(strings.NewReader(""))
			if err != nil {
				return fmt.Errorf("allocate blob: %w", err)
			}
			created.BlobID = blobID
		}

		return s.ReplaceFiles(ctx, roomID, append(room.Files, created))
	})
	if err != nil {
		if created.BlobID != "" {
			// The tree never referenced the blob; reclaim it eagerly.
			_ = e.blobs.Delete(created.BlobID)
		}
		return proto.FileNode{}, err
	}
	return created, nil
}

// Upload attaches a batch of files under parentID, all or nothing. The
// acting user must be the room owner or a participant. Blob content is
// written before the tree references it; on failure no written blob is
// reachable from the tree and the batch is absent entirely.
func (e *Engine) Upload(ctx context.Context, roomID string, actor proto.User, files []proto.UploadFile, parentID string) ([]proto.FileNode, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: empty upload batch", ErrInvalidOperation)
	}
	defer e.lockRoom(roomID)()

	var attached []proto.FileNode
	var writtenBlobs []string
	err := store.RunAtomic(ctx, e.rooms, func(ctx context.Context, s store.RoomStore) error {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		if !canMutate(room, actor) {
			return fmt.Errorf("%w: user %s is not owner or participant of room %s", ErrAccessDenied, actor.ID, roomID)
		}

		idx := buildIndex(room.Files)
		if !idx.folder(room.Files, parentID) {
			return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}

		// Validate the whole batch before writing anything.
		batchNames := make(map[string]bool, len(files))
		for _, f := range files {
			if f.Name == "" {
				return fmt.Errorf("%w: file with empty name", ErrInvalidOperation)
			}
			if batchNames[f.Name] || idx.siblingExists(room.Files, parentID, f.Name, KindFile) {
				return fmt.Errorf("%w: file %q under %q", ErrConflict, f.Name, parentID)
			}
			batchNames[f.Name] = true
		}

		now := time.Now().UTC()
		attached = attached[:0]
		for _, f := range files {
			blobID, err := e.blobs.Put(strings.NewReader(f.Content))
			if err != nil {
				return fmt.Errorf("write blob for %q: %w", f.Name, err)
			}
			writtenBlobs = append(writtenBlobs, blobID)
			attached = append(attached, proto.FileNode{
				ID:             uuid.NewString(),
				Name:           f.Name,
				Kind:           KindFile,
				ParentID:       parentID,
				Size:           int64(len(f.Content)),
				LineCount:      lineCount(f.Content),
				Extension:      extension(f.Name),
				BlobID:         blobID,
				LastModified:   now,
				LastModifiedBy: actor.ID,
			})
		}

		return s.ReplaceFiles(ctx, roomID, append(room.Files, attached...))
	})
	if err != nil {
		for _, blobID := range writtenBlobs {
			_ = e.blobs.Delete(blobID)
		}
		return nil, err
	}
	return attached, nil
}

// Move reparents a node under newParentID. Fails with ErrNotFound when
// node or target folder is missing and ErrInvalidOperation when the
// target is the node itself or one of its descendants, checked by a
// parent-chain walk before any mutation. Moved folders touch their
// descendants' timestamps; only parent pointers change.
func (e *Engine) Move(ctx context.Context, roomID string, actor proto.User, nodeID, newParentID string) (proto.FileNode, error) {
	defer e.lockRoom(roomID)()

	var moved proto.FileNode
	err := store.RunAtomic(ctx, e.rooms, func(ctx context.Context, s store.RoomStore) error {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		idx := buildIndex(room.Files)

		pos, ok := idx.nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
		}
		if !idx.folder(room.Files, newParentID) {
			return fmt.Errorf("%w: target folder %s", ErrNotFound, newParentID)
		}
		if inSubtree(room.Files, idx, nodeID, newParentID) {
			return fmt.Errorf("%w: cannot move %s into its own subtree", ErrInvalidOperation, nodeID)
		}
		node := room.Files[pos]
		if idx.siblingExists(room.Files, newParentID, node.Name, node.Kind) {
			return fmt.Errorf("%w: %s %q under %q", ErrConflict, node.Kind, node.Name, newParentID)
		}

		now := time.Now().UTC()
		room.Files[pos].ParentID = newParentID
		room.Files[pos].LastModified = now
		room.Files[pos].LastModifiedBy = actor.ID
		if node.Kind == KindFolder {
			for _, dpos := range idx.descendants(room.Files, nodeID) {
				room.Files[dpos].LastModified = now
			}
		}
		moved = room.Files[pos]

		return s.ReplaceFiles(ctx, roomID, room.Files)
	})
	if err != nil {
		return proto.FileNode{}, err
	}
	return moved, nil
}

// Delete removes a node and, for folders, every descendant, leaf first.
// Blobs referenced by removed files are scheduled for best-effort
// deletion after the tree commit; a blob that fails to delete is logged
// and swallowed since the tree is the source of truth for reachability.
// The removed nodes are returned for broadcast.
func (e *Engine) Delete(ctx context.Context, roomID string, actor proto.User, nodeID string) ([]proto.FileNode, error) {
	defer e.lockRoom(roomID)()

	var removed []proto.FileNode
	err := store.RunAtomic(ctx, e.rooms, func(ctx context.Context, s store.RoomStore) error {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		idx := buildIndex(room.Files)

		pos, ok := idx.nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
		}

		doomed := map[int]bool{pos: true}
		for _, dpos := range idx.descendants(room.Files, nodeID) {
			doomed[dpos] = true
		}

		removed = removed[:0]
		kept := make([]proto.FileNode, 0, len(room.Files)-len(doomed))
		for i, n := range room.Files {
			if doomed[i] {
				removed = append(removed, n)
			} else {
				kept = append(kept, n)
			}
		}

		return s.ReplaceFiles(ctx, roomID, kept)
	})
	if err != nil {
		return nil, err
	}

	for _, n := range removed {
		if n.Kind == KindFile && n.BlobID != "" {
			if err := e.blobs.Delete(n.BlobID); err != nil {
				log.Warn().Str("room", roomID).Str("node", n.ID).Str("blob", n.BlobID).
					Err(err).Msg("cascade blob delete failed")
			}
		}
	}

	log.Debug().Str("room", roomID).Str("node", nodeID).Str("user", actor.ID).
		Int("removed", len(removed)).Msg("deleted subtree")
	return removed, nil
}

// Checkpoint persists reconciled document content for a file: the blob
// is rewritten and the node's size and line count refreshed. Best
// effort, called after the edit has already been acknowledged.
func (e *Engine) Checkpoint(ctx context.Context, roomID, fileID, content string, actor proto.User) error {
	defer e.lockRoom(roomID)()

	return store.RunAtomic(ctx, e.rooms, func(ctx context.Context, s store.RoomStore) error {
		room, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return err
		}
		idx := buildIndex(room.Files)
		pos, ok := idx.nodes[fileID]
		if !ok || room.Files[pos].Kind != KindFile {
			return fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}

		node := &room.Files[pos]
		if node.BlobID == "" {
			node.BlobID = uuid.NewString()
		}
		if err := e.blobs.Write(node.BlobID, strings.NewReader(content)); err != nil {
			return fmt.Errorf("checkpoint blob: %w", err)
		}
		node.Size = int64(len(content))
		node.LineCount = lineCount(content)
		node.LastModified = time.Now().UTC()
		node.LastModifiedBy = actor.ID

		return s.ReplaceFiles(ctx, roomID, room.Files)
	})
}

// canMutate reports whether the actor is the room owner or on the
// roster.
func canMutate(room *store.Room, actor proto.User) bool {
	if room.OwnerID == actor.ID {
		return true
	}
	for _, p := range room.Roster {
		if p.UserID == actor.ID {
			return true
		}
	}
	return false
}
