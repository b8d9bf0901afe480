package tree

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devangk003/hivecodex-sub000/internal/store"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

var (
	owner  = proto.User{ID: "owner-1", DisplayName: "Owner"}
	member = proto.User{ID: "member-1", DisplayName: "Member"}
	rando  = proto.User{ID: "rando-1", DisplayName: "Rando"}
)

func newTestEngine(t *testing.T, transactional bool) (*Engine, *store.MemoryStore, *store.DiskBlobStore) {
	t.Helper()
	t.Setenv("HIVECODEX_TEST", "1")

	rooms := store.NewMemoryStore(transactional)
	blobs, err := store.NewDiskBlobStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, rooms.PutRoom(context.Background(), &store.Room{
		ID:      "room-1",
		Name:    "workspace",
		OwnerID: owner.ID,
		Roster: []store.RosterEntry{
			{UserID: owner.ID, DisplayName: owner.DisplayName, Role: "owner", JoinedAt: time.Now()},
			{UserID: member.ID, DisplayName: member.DisplayName, Role: "editor", JoinedAt: time.Now()},
		},
	}))

	return NewEngine(rooms, blobs), rooms, blobs
}

func roomFiles(t *testing.T, rooms store.RoomStore) []proto.FileNode {
	t.Helper()
	room, err := rooms.GetRoom(context.Background(), "room-1")
	require.NoError(t, err)
	return room.Files
}

func TestCreate_FoldersAndFiles(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	folder, err := eng.Create(ctx, "room-1", owner, "src", KindFolder, "")
	require.NoError(t, err)
	assert.Equal(t, KindFolder, folder.Kind)
	assert.Empty(t, folder.ParentID)

	file, err := eng.Create(ctx, "room-1", owner, "main.go", KindFile, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "go", file.Extension)
	assert.NotEmpty(t, file.BlobID)
	assert.Equal(t, owner.ID, file.LastModifiedBy)

	assert.Len(t, roomFiles(t, rooms), 2)
}

func TestCreate_Errors(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, true)

	_, err := eng.Create(ctx, "room-1", owner, "a.txt", KindFile, "no-such-folder")
	assert.ErrorIs(t, err, ErrNotFound)

	file, err := eng.Create(ctx, "room-1", owner, "a.txt", KindFile, "")
	require.NoError(t, err)

	// Same name and kind under the same parent collides.
	_, err = eng.Create(ctx, "room-1", owner, "a.txt", KindFile, "")
	assert.ErrorIs(t, err, ErrConflict)

	// A file under a file is not a valid parent.
	_, err = eng.Create(ctx, "room-1", owner, "b.txt", KindFile, file.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// A folder may share the name of a sibling file.
	_, err = eng.Create(ctx, "room-1", owner, "a.txt", KindFolder, "")
	assert.NoError(t, err)

	_, err = eng.Create(ctx, "missing-room", owner, "x", KindFile, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpload_AttachesBatch(t *testing.T) {
	ctx := context.Background()
	eng, rooms, blobs := newTestEngine(t, true)

	nodes, err := eng.Upload(ctx, "room-1", member, []proto.UploadFile{
		{Name: "readme.md", Content: "# Title\n\nBody\n"},
		{Name: "empty.txt", Content: ""},
	}, "")
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, 3, nodes[0].LineCount)
	assert.Equal(t, "md", nodes[0].Extension)
	assert.Equal(t, int64(14), nodes[0].Size)
	assert.Equal(t, 0, nodes[1].LineCount)

	r, err := blobs.Open(nodes[0].BlobID)
	require.NoError(t, err)
	content, _ := io.ReadAll(r)
	_ = r.Close()
	assert.Equal(t, "# Title\n\nBody\n", string(content))

	assert.Len(t, roomFiles(t, rooms), 2)
}

func TestUpload_AccessDenied(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	_, err := eng.Upload(ctx, "room-1", rando, []proto.UploadFile{{Name: "x.txt"}}, "")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Empty(t, roomFiles(t, rooms))
}

// An invalid file anywhere in the batch fails the whole upload: the
// tree afterwards contains none of the batch.
func TestUpload_AtomicFailure(t *testing.T) {
	for _, transactional := range []bool{true, false} {
		name := "transactional"
		if !transactional {
			name = "sequential fallback"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			eng, rooms, _ := newTestEngine(t, transactional)

			_, err := eng.Upload(ctx, "room-1", owner, []proto.UploadFile{
				{Name: "one.txt", Content: "1"},
				{Name: "", Content: "bad"},
				{Name: "three.txt", Content: "3"},
			}, "")
			assert.ErrorIs(t, err, ErrInvalidOperation)
			assert.Empty(t, roomFiles(t, rooms))

			// Duplicate names inside one batch also fail whole.
			_, err = eng.Upload(ctx, "room-1", owner, []proto.UploadFile{
				{Name: "dup.txt"},
				{Name: "dup.txt"},
			}, "")
			assert.ErrorIs(t, err, ErrConflict)
			assert.Empty(t, roomFiles(t, rooms))
		})
	}
}

func TestMove_Reparents(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	src, err := eng.Create(ctx, "room-1", owner, "src", KindFolder, "")
	require.NoError(t, err)
	file, err := eng.Create(ctx, "room-1", owner, "main.go", KindFile, "")
	require.NoError(t, err)

	moved, err := eng.Move(ctx, "room-1", member, file.ID, src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.ID, moved.ParentID)
	assert.Equal(t, member.ID, moved.LastModifiedBy)

	for _, n := range roomFiles(t, rooms) {
		if n.ID == file.ID {
			assert.Equal(t, src.ID, n.ParentID)
		}
	}
}

// Moving a folder under itself or any of its descendants is rejected
// and the tree is left unchanged.
func TestMove_CyclePrevention(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	top, err := eng.Create(ctx, "room-1", owner, "top", KindFolder, "")
	require.NoError(t, err)
	mid, err := eng.Create(ctx, "room-1", owner, "mid", KindFolder, top.ID)
	require.NoError(t, err)
	leaf, err := eng.Create(ctx, "room-1", owner, "leaf", KindFolder, mid.ID)
	require.NoError(t, err)

	before := roomFiles(t, rooms)

	for _, target := range []string{top.ID, mid.ID, leaf.ID} {
		_, err := eng.Move(ctx, "room-1", owner, top.ID, target)
		assert.ErrorIs(t, err, ErrInvalidOperation)
	}
	assert.Equal(t, before, roomFiles(t, rooms))

	_, err = eng.Move(ctx, "room-1", owner, "ghost", top.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = eng.Move(ctx, "room-1", owner, top.ID, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMove_TouchesDescendants(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	top, err := eng.Create(ctx, "room-1", owner, "top", KindFolder, "")
	require.NoError(t, err)
	inner, err := eng.Create(ctx, "room-1", owner, "inner.txt", KindFile, top.ID)
	require.NoError(t, err)
	dest, err := eng.Create(ctx, "room-1", owner, "dest", KindFolder, "")
	require.NoError(t, err)

	before := time.Now().UTC()
	_, err = eng.Move(ctx, "room-1", owner, top.ID, dest.ID)
	require.NoError(t, err)

	for _, n := range roomFiles(t, rooms) {
		if n.ID == inner.ID {
			assert.False(t, n.LastModified.Before(before), "descendant timestamp not refreshed")
			assert.Equal(t, top.ID, n.ParentID, "descendant parent must not change")
		}
	}
}

// Deleting a folder with N descendants removes exactly N+1 nodes and
// schedules exactly the file descendants' blobs for deletion.
func TestDelete_Cascade(t *testing.T) {
	ctx := context.Background()
	eng, rooms, blobs := newTestEngine(t, true)

	top, err := eng.Create(ctx, "room-1", owner, "top", KindFolder, "")
	require.NoError(t, err)
	sub, err := eng.Create(ctx, "room-1", owner, "sub", KindFolder, top.ID)
	require.NoError(t, err)
	f1, err := eng.Create(ctx, "room-1", owner, "a.txt", KindFile, top.ID)
	require.NoError(t, err)
	f2, err := eng.Create(ctx, "room-1", owner, "b.txt", KindFile, sub.ID)
	require.NoError(t, err)
	outside, err := eng.Create(ctx, "room-1", owner, "keep.txt", KindFile, "")
	require.NoError(t, err)

	removed, err := eng.Delete(ctx, "room-1", owner, top.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 4) // top, sub, a.txt, b.txt

	files := roomFiles(t, rooms)
	require.Len(t, files, 1)
	assert.Equal(t, outside.ID, files[0].ID)

	for _, blobID := range []string{f1.BlobID, f2.BlobID} {
		_, err := blobs.Open(blobID)
		assert.ErrorIs(t, err, store.ErrBlobNotFound)
	}
	_, err = blobs.Open(outside.BlobID)
	assert.NoError(t, err)

	_, err = eng.Delete(ctx, "room-1", owner, top.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Every concurrent writer's commit must survive: the store replaces
// the whole file list, so without per-room serialization two writers
// cloning the same base erase each other.
func TestCreate_ConcurrentWritersAllSurvive(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Create(ctx, "room-1", owner, fmt.Sprintf("file-%02d.txt", i), KindFile, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, roomFiles(t, rooms), writers)
}

// Checkpoints race tree mutations on the same room without losing
// either side's commit.
func TestCheckpoint_ConcurrentWithCreates(t *testing.T) {
	ctx := context.Background()
	eng, rooms, _ := newTestEngine(t, true)

	doc, err := eng.Create(ctx, "room-1", owner, "doc.txt", KindFile, "")
	require.NoError(t, err)

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, rounds*2)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Create(ctx, "room-1", owner, fmt.Sprintf("side-%02d.txt", i), KindFile, "")
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			errs <- eng.Checkpoint(ctx, "room-1", doc.ID, fmt.Sprintf("revision %d", i), owner)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	files := roomFiles(t, rooms)
	assert.Len(t, files, rounds+1)
	for _, f := range files {
		if f.ID == doc.ID {
			assert.NotZero(t, f.Size)
		}
	}
}

func TestCheckpoint_RefreshesNode(t *testing.T) {
	ctx := context.Background()
	eng, rooms, blobs := newTestEngine(t, true)

	file, err := eng.Create(ctx, "room-1", owner, "doc.txt", KindFile, "")
	require.NoError(t, err)

	require.NoError(t, eng.Checkpoint(ctx, "room-1", file.ID, "line one\nline two", member))

	files := roomFiles(t, rooms)
	require.Len(t, files, 1)
	assert.Equal(t, int64(17), files[0].Size)
	assert.Equal(t, 2, files[0].LineCount)
	assert.Equal(t, member.ID, files[0].LastModifiedBy)

	r, err := blobs.Open(files[0].BlobID)
	require.NoError(t, err)
	content, _ := io.ReadAll(r)
	_ = r.Close()
	assert.Equal(t, "line one\nline two", string(content))

	err = eng.Checkpoint(ctx, "room-1", "ghost", "x", member)
	assert.ErrorIs(t, err, ErrNotFound)
}
