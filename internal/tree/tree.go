// Package tree implements the transactional file-tree mutation engine:
// create, upload, move and delete on a room's file tree with name
// collision checks, cycle prevention and cascading deletes.
package tree

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// Tree engine error types.
var (
	ErrNotFound         = errors.New("node not found")
	ErrConflict         = errors.New("name conflict")
	ErrInvalidOperation = errors.New("invalid tree operation")
	ErrAccessDenied     = errors.New("access denied")
)

// Node kinds.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// index is a one-shot view over a room's file list: nodes by id and a
// parentId -> children adjacency, built once per mutation so descendant
// walks and cycle checks don't rescan the flat list.
type index struct {
	nodes    map[string]int   // id -> position in files
	children map[string][]int // parent id ("" = root) -> positions
}

func buildIndex(files []proto.FileNode) *index {
	idx := &index{
		nodes:    make(map[string]int, len(files)),
		children: make(map[string][]int),
	}
	for i, n := range files {
		idx.nodes[n.ID] = i
		idx.children[n.ParentID] = append(idx.children[n.ParentID], i)
	}
	return idx
}

// folder reports whether id resolves to an existing folder; the empty
// id is the root and always valid.
func (idx *index) folder(files []proto.FileNode, id string) bool {
	if id == "" {
		return true
	}
	pos, ok := idx.nodes[id]
	return ok && files[pos].Kind == KindFolder
}

// siblingExists reports a node under parentID with the same name and
// kind.
func (idx *index) siblingExists(files []proto.FileNode, parentID, name, kind string) bool {
	for _, pos := range idx.children[parentID] {
		if files[pos].Name == name && files[pos].Kind == kind {
			return true
		}
	}
	return false
}

// descendants collects the positions of every node below rootID using
// an explicit worklist, deepest entries last.
func (idx *index) descendants(files []proto.FileNode, rootID string) []int {
	var out []int
	work := []string{rootID}
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		for _, pos := range idx.children[id] {
			out = append(out, pos)
			if files[pos].Kind == KindFolder {
				work = append(work, files[pos].ID)
			}
		}
	}
	return out
}

// inSubtree reports whether candidateID is rootID itself or one of its
// descendants, walking the parent chain from candidateID upward.
func inSubtree(files []proto.FileNode, idx *index, rootID, candidateID string) bool {
	seen := 0
	for id := candidateID; id != ""; {
		if id == rootID {
			return true
		}
		pos, ok := idx.nodes[id]
		if !ok {
			return false
		}
		id = files[pos].ParentID
		// A malformed tree could loop; bail out after a full pass.
		if seen++; seen > len(files) {
			return true
		}
	}
	return false
}

// lineCount counts lines the way the editor does: one line per newline
// plus the trailing partial line, zero for empty content.
func lineCount(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}

// extension returns the file extension without the leading dot.
func extension(name string) string {
	return strings.TrimPrefix(filepath.Ext(name), ".")
}
