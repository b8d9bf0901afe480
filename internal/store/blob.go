package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// ErrBlobNotFound indicates a blob id with no stored content.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore holds durable file content addressed by an opaque id stored
// on the owning FileNode. Orphaned blobs are tolerated; the file tree
// is the source of truth for reachability.
type BlobStore interface {
	// Put streams new content and returns its id.
	Put(r io.Reader) (string, error)
	// Write replaces the content stored under id, creating it if absent.
	Write(id string, r io.Reader) error
	// Open returns a reader over the stored content.
	Open(id string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(id string) error
}

// DiskBlobStore stores blobs as zstd-compressed files under a data
// directory. Storage format: plaintext -> zstd compress -> store.
type DiskBlobStore struct {
	dir         string
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewDiskBlobStore creates the blob directory and the codec pools.
func NewDiskBlobStore(dir string) (*DiskBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DiskBlobStore{
		dir: dir,
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
	}, nil
}

func (b *DiskBlobStore) path(id string) string {
	return filepath.Join(b.dir, id+".zst")
}

func (b *DiskBlobStore) Put(r io.Reader) (string, error) {
	id := uuid.NewString()
	if err := b.Write(id, r); err != nil {
		return "", err
	}
	return id, nil
}

func (b *DiskBlobStore) Write(id string, r io.Reader) error {
	plain, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read blob content: %w", err)
	}

	enc := b.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(plain, nil)
	b.encoderPool.Put(enc)

	if err := syncedWriteFile(b.path(id), compressed, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", id, err)
	}
	return nil
}

func (b *DiskBlobStore) Open(id string) (io.ReadCloser, error) {
	compressed, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		}
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}

	dec := b.decoderPool.Get().(*zstd.Decoder)
	plain, err := dec.DecodeAll(compressed, nil)
	b.decoderPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", id, err)
	}
	return io.NopCloser(bytes.NewReader(plain)), nil
}

func (b *DiskBlobStore) Delete(id string) error {
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}
