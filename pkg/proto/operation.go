package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Operation kinds.
const (
	OpRetain = "retain"
	OpInsert = "insert"
	OpDelete = "delete"
)

// ErrMalformedOperation indicates an operation that failed wire-level
// validation. Malformed batches are rejected before touching canonical
// state.
var ErrMalformedOperation = errors.New("malformed operation")

// Operation is one component of a text edit. A sequence of operations,
// consumed left to right, describes the transformation of a string:
// retain copies forward, insert emits new text, delete skips.
type Operation struct {
	Kind  string
	Count int    // retain/delete length
	Text  string // insert payload
}

// Retain builds a retain operation.
func Retain(n int) Operation { return Operation{Kind: OpRetain, Count: n} }

// Insert builds an insert operation.
func Insert(s string) Operation { return Operation{Kind: OpInsert, Text: s} }

// Delete builds a delete operation.
func Delete(n int) Operation { return Operation{Kind: OpDelete, Count: n} }

// Len returns the operation's span: characters consumed from the source
// for retain/delete, characters produced for insert.
func (op Operation) Len() int {
	if op.Kind == OpInsert {
		return len(op.Text)
	}
	return op.Count
}

// Validate checks the operation is well formed on its own.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpRetain, OpDelete:
		if op.Count <= 0 {
			return fmt.Errorf("%w: %s length %d", ErrMalformedOperation, op.Kind, op.Count)
		}
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrMalformedOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}
	return nil
}

// wireOperation is the JSON form: exactly one of the fields is set.
type wireOperation struct {
	Retain *int    `json:"retain,omitempty"`
	Insert *string `json:"insert,omitempty"`
	Delete *int    `json:"delete,omitempty"`
}

// MarshalJSON encodes the operation in its compact tagged form, e.g.
// {"retain":4}, {"insert":"x"} or {"delete":2}.
func (op Operation) MarshalJSON() ([]byte, error) {
	var w wireOperation
	switch op.Kind {
	case OpRetain:
		w.Retain = &op.Count
	case OpInsert:
		w.Insert = &op.Text
	case OpDelete:
		w.Delete = &op.Count
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the compact tagged form, rejecting frames that
// set zero or multiple variants.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOperation, err)
	}

	set := 0
	if w.Retain != nil {
		set++
		*op = Retain(*w.Retain)
	}
	if w.Insert != nil {
		set++
		*op = Insert(*w.Insert)
	}
	if w.Delete != nil {
		set++
		*op = Delete(*w.Delete)
	}
	if set != 1 {
		return fmt.Errorf("%w: expected exactly one variant, got %d", ErrMalformedOperation, set)
	}
	return op.Validate()
}

// ValidateOperations checks every operation in a batch.
func ValidateOperations(ops []Operation) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformedOperation)
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}
