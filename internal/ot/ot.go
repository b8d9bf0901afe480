// Package ot implements the operational-transform engine: applying
// operation batches to text, rebasing concurrent batches against each
// other, and the canonical versioned document each room file is
// reconciled through.
package ot

import (
	"errors"
	"fmt"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// OT engine error types.
var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrBadVersion       = errors.New("bad base version")
	ErrStaleSeed        = errors.New("stale seed")
)

// Apply consumes ops left to right against content: retain copies
// forward, insert emits new text, delete skips. Content beyond the last
// retain/delete boundary passes through unchanged. Operations reaching
// past the end of content are rejected without partial effects.
func Apply(content string, ops []proto.Operation) (string, error) {
	var out []byte
	pos := 0

	for i, op := range ops {
		switch op.Kind {
		case proto.OpRetain:
			if pos+op.Count > len(content) {
				return "", fmt.Errorf("%w: retain %d past end at index %d", ErrInvalidOperation, op.Count, i)
			}
			out = append(out, content[pos:pos+op.Count]...)
			pos += op.Count
		case proto.OpInsert:
			out = append(out, op.Text...)
		case proto.OpDelete:
			if pos+op.Count > len(content) {
				return "", fmt.Errorf("%w: delete %d past end at index %d", ErrInvalidOperation, op.Count, i)
			}
			pos += op.Count
		default:
			return "", fmt.Errorf("%w: unknown kind %q at index %d", ErrInvalidOperation, op.Kind, i)
		}
	}

	out = append(out, content[pos:]...)
	return string(out), nil
}

// Transform rebases a over b, producing a' such that applying a' after b
// yields the same logical result as applying a to the pre-b state and
// merging. b is the batch already applied; on concurrent inserts at the
// same position b's text is treated as already present and a' retains
// through it, so the earlier-logged operation wins the position
// regardless of arrival order. Deletes over ranges b already deleted are
// clipped to zero length.
func Transform(a, b []proto.Operation) []proto.Operation {
	var out []proto.Operation

	ai, bi := 0, 0
	aRem, bRem := 0, 0 // unconsumed span of the current a/b op
	if len(a) > 0 {
		aRem = span(a[0])
	}
	if len(b) > 0 {
		bRem = span(b[0])
	}

	for ai < len(a) {
		if bi >= len(b) {
			// b implicitly retains everything past its explicit span;
			// the rest of a carries over unchanged.
			cur := a[ai]
			if aRem != span(cur) {
				cur = resize(cur, aRem)
			}
			out = appendOp(out, cur)
			ai++
			if ai < len(a) {
				aRem = span(a[ai])
			}
			continue
		}

		// Remote insert goes first: retain through b's inserted text
		// before emitting anything of a at this position.
		if b[bi].Kind == proto.OpInsert {
			out = appendOp(out, proto.Retain(len(b[bi].Text)))
			bi++
			if bi < len(b) {
				bRem = span(b[bi])
			}
			continue
		}

		if a[ai].Kind == proto.OpInsert {
			out = appendOp(out, a[ai])
			ai++
			if ai < len(a) {
				aRem = span(a[ai])
			}
			continue
		}

		// Both sides consume source text now.
		n := aRem
		if bRem < n {
			n = bRem
		}
		switch {
		case a[ai].Kind == proto.OpRetain && b[bi].Kind == proto.OpRetain:
			out = appendOp(out, proto.Retain(n))
		case a[ai].Kind == proto.OpDelete && b[bi].Kind == proto.OpRetain:
			out = appendOp(out, proto.Delete(n))
			// retain/delete and delete/delete: the range is gone on b's
			// side, nothing survives into a'.
		}

		aRem -= n
		bRem -= n
		if aRem == 0 {
			ai++
			if ai < len(a) {
				aRem = span(a[ai])
			}
		}
		if bRem == 0 {
			bi++
			if bi < len(b) {
				bRem = span(b[bi])
			}
		}
	}

	return out
}

// span is the number of source characters an operation consumes.
func span(op proto.Operation) int {
	if op.Kind == proto.OpInsert {
		return 0
	}
	return op.Count
}

func resize(op proto.Operation, n int) proto.Operation {
	op.Count = n
	return op
}

// appendOp appends an operation, merging it into the previous one when
// both are the same kind.
func appendOp(ops []proto.Operation, op proto.Operation) []proto.Operation {
	if op.Kind != proto.OpInsert && op.Count == 0 {
		return ops
	}
	if n := len(ops); n > 0 && ops[n-1].Kind == op.Kind {
		switch op.Kind {
		case proto.OpInsert:
			ops[n-1].Text += op.Text
		default:
			ops[n-1].Count += op.Count
		}
		return ops
	}
	return append(ops, op)
}
