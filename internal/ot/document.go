package ot

import (
	"fmt"

	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

// Batch is one accepted operation set in a document's append-only log.
type Batch struct {
	Operations []proto.Operation
	Version    int // version the document reached after this batch
}

// Document is the canonical in-memory state for one (room, file). It is
// owned by the room actor, which serializes all access; the struct
// itself carries no locking. Applying every logged batch in order to the
// empty string reproduces Content exactly.
type Document struct {
	content string
	version int
	floor   int // version the log starts after (advanced by Seed)
	log     []Batch
}

// NewDocument returns an uninitialized document at version 0 with empty
// content. Documents are created lazily on first reference.
func NewDocument() *Document {
	return &Document{}
}

// Content returns the canonical text.
func (d *Document) Content() string { return d.content }

// Version returns the number of accepted batches.
func (d *Document) Version() int { return d.version }

// Snapshot returns the canonical content and version, used to answer
// sync requests from clients that suspect they have drifted.
func (d *Document) Snapshot() (string, int) {
	return d.content, d.version
}

// Submit reconciles an operation batch submitted against baseVersion.
// Batches behind the head are rebased, oldest first, against every
// logged batch they have not seen. On success the transformed batch is
// applied and logged, the version advances by one, and the transformed
// operations are returned for broadcast. On any failure the document is
// left untouched.
func (d *Document) Submit(baseVersion int, ops []proto.Operation) (ackVersion int, transformed []proto.Operation, err error) {
	if err := proto.ValidateOperations(ops); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if baseVersion < d.floor || baseVersion > d.version {
		return 0, nil, fmt.Errorf("%w: base %d, head %d", ErrBadVersion, baseVersion, d.version)
	}

	transformed = ops
	for _, batch := range d.log {
		if batch.Version > baseVersion {
			transformed = Transform(transformed, batch.Operations)
		}
	}

	newContent, err := Apply(d.content, transformed)
	if err != nil {
		return 0, nil, err
	}

	d.version++
	d.content = newContent
	d.log = append(d.log, Batch{Operations: transformed, Version: d.version})
	return d.version, transformed, nil
}

// Seed installs externally loaded content. Accepted only while the
// document is still pristine (version 0, empty content) or when the
// seed's version is strictly newer than the current one, so an
// out-of-date peer cannot clobber newer canonical state.
func (d *Document) Seed(content string, version int) error {
	pristine := d.version == 0 && d.content == ""
	if !pristine && version <= d.version {
		return fmt.Errorf("%w: seed version %d, head %d", ErrStaleSeed, version, d.version)
	}
	if version < 0 {
		return fmt.Errorf("%w: negative seed version %d", ErrStaleSeed, version)
	}
	d.content = content
	d.version = version
	d.floor = version
	d.log = nil
	return nil
}
