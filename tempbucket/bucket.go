package tempbucket

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errBucketFreed  = errors.New("tempbucket: bucket is freed")
	errWriterOpen   = errors.New("tempbucket: writer already open")
	errReadOnly     = errors.New("tempbucket: bucket is read-only")
	errBucketPadded = errors.New("tempbucket: write after padding finalized")
)

// Bucket is a memory- or disk-backed byte buffer that transparently
// migrates itself to disk as it grows or ages past the pool's thresholds.
type Bucket interface {
	// Writer opens the bucket's single write stream. A second call
	// before the first is closed fails.
	Writer() (io.WriteCloser, error)

	// Reader opens an independent read stream over the bucket's current
	// content. Multiple readers may be open concurrently, including
	// while a writer is still active.
	Reader() (io.ReadCloser, error)

	// Size returns the bucket's current logical content length.
	Size() int64

	// ReadOnly reports whether the bucket has been marked read-only.
	ReadOnly() bool

	// SetReadOnly marks the bucket read-only; subsequent Writer calls
	// fail.
	SetReadOnly()

	// Free releases the bucket's backing storage and any RAM share it
	// held in the pool's accounting.
	Free() error
}

// tempBucket is the pool's concrete Bucket implementation. generation is
// bumped on every migration so open readers know to rebind to the new
// backing store on their next read.
type tempBucket struct {
	mu sync.Mutex

	pool    *Pool
	id      uint64
	created time.Time

	backing   backingStore
	ramBacked bool

	generation uint64
	sizeBytes  int64
	readOnly   bool
	writerOpen bool
	freed      bool

	// ramBackedFlag and freedFlag mirror ramBacked and freed for the
	// sweep queue's benefit: drainEligible runs under the pool lock, and
	// the pool lock must never be held while acquiring a bucket lock, so
	// it reads these instead of b.mu-guarded fields. created never
	// changes after construction and needs no synchronization at all.
	ramBackedFlag atomic.Bool
	freedFlag     atomic.Bool
}

var _ Bucket = (*tempBucket)(nil)

func (b *tempBucket) Writer() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, errBucketFreed
	}
	if b.readOnly {
		return nil, errReadOnly
	}
	if b.writerOpen {
		return nil, errWriterOpen
	}
	b.writerOpen = true
	return &bucketWriter{b: b}, nil
}

func (b *tempBucket) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, errBucketFreed
	}
	return &bucketReader{b: b, generation: b.generation}, nil
}

func (b *tempBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeBytes
}

func (b *tempBucket) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

func (b *tempBucket) SetReadOnly() {
	b.mu.Lock()
	b.readOnly = true
	b.mu.Unlock()
}

func (b *tempBucket) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil
	}
	b.freed = true
	b.freedFlag.Store(true)
	if b.ramBacked {
		b.pool.releaseRAM(b.sizeBytes)
	}
	return b.backing.close()
}

// migrateToFileLocked moves a RAM-backed bucket's content to a file
// backing. Called with b.mu held. A bucket that is already file-backed is
// left untouched, making repeated migration attempts a no-op.
func (b *tempBucket) migrateToFileLocked() error {
	if !b.ramBacked {
		return nil
	}
	mem, ok := b.backing.(*memBacking)
	if !ok {
		return nil
	}

	fileBack, err := b.pool.newBacking()
	if err != nil {
		return fmt.Errorf("tempbucket: migrate bucket %d: %w", b.id, err)
	}
	if _, err := fileBack.write(mem.data); err != nil {
		fileBack.close()
		return fmt.Errorf("tempbucket: migrate bucket %d: copy failed: %w", b.id, err)
	}

	oldSize := b.sizeBytes
	mem.close()
	b.backing = fileBack
	b.ramBacked = false
	b.ramBackedFlag.Store(false)
	b.generation++
	b.pool.releaseRAM(oldSize)
	return nil
}

// bucketWriter is the sole writer handle a tempBucket permits at a time.
type bucketWriter struct {
	b *tempBucket
}

func (w *bucketWriter) Write(p []byte) (int, error) {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return 0, errBucketFreed
	}

	future := b.sizeBytes + int64(len(p))
	if b.ramBacked && b.pool.shouldMigrate(b.sizeBytes, future) {
		if err := b.migrateToFileLocked(); err != nil {
			return 0, err
		}
	}

	n, err := b.backing.write(p)
	if n > 0 {
		if b.ramBacked {
			b.pool.addRAMBytes(int64(n))
		}
		b.sizeBytes += int64(n)
	}
	return n, err
}

func (w *bucketWriter) Close() error {
	b := w.b
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writerOpen = false
	if enc, ok := b.backing.(*encryptedBacking); ok {
		return enc.finalizePadding()
	}
	return nil
}

// bucketReader tracks its own logical offset and the backing generation it
// last read from. When the bucket has migrated since its last read, it
// rebinds to the current backing and resumes from the same offset — the
// backing's readAt is already offset-addressed, so rebinding is just
// picking up the new backing reference; rebinds is exposed for tests that
// assert a migration actually happened mid-read.
type bucketReader struct {
	b          *tempBucket
	offset     int64
	generation uint64
	rebinds    int
}

func (r *bucketReader) Read(p []byte) (int, error) {
	b := r.b
	b.mu.Lock()
	backing := b.backing
	generation := b.generation
	size := b.sizeBytes
	freed := b.freed
	b.mu.Unlock()

	if freed {
		return 0, errBucketFreed
	}
	if generation != r.generation {
		r.generation = generation
		r.rebinds++
	}
	if r.offset >= size {
		return 0, io.EOF
	}
	if int64(len(p)) > size-r.offset {
		p = p[:size-r.offset]
	}

	n, err := backing.readAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}

func (r *bucketReader) Close() error {
	return nil
}
