// Package tempbucket implements the pool's adaptive byte-buffer allocator:
// small, short-lived buffers stay in RAM, but any buffer that outgrows its
// budget or outlives its age threshold migrates transparently to a temp
// file, and readers opened before the migration keep working without
// noticing.
package tempbucket

import (
	"sync"
	"time"

	"github.com/opennet-go/opennetd/pool"
)

// Pool is a factory for Buckets, tracking how much RAM is currently
// committed to RAM-backed buckets and sweeping aged-out ones to disk.
type Pool struct {
	mu sync.Mutex

	cfg        Config
	bytesInUse int64
	nextID     uint64
	sweep      *sweepQueue

	workers *pool.Pool
}

// NewPool constructs a Pool from cfg and starts its migration worker pool.
// Callers should call Close when the pool is no longer needed.
func NewPool(cfg Config) *Pool {
	workers := pool.New(pool.Config{NumWorkers: cfg.SweepWorkers})
	workers.Start()

	return &Pool{
		cfg:     cfg,
		sweep:   newSweepQueue(),
		workers: workers,
	}
}

// Close stops the pool's migration worker pool, waiting for any in-flight
// batch to finish.
func (p *Pool) Close() {
	p.workers.Stop()
}

// BytesInUse reports the pool's current RAM commitment.
func (p *Pool) BytesInUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesInUse
}

// SetMaxRAMUsed changes the pool's RAM budget at runtime, matching
// TempBucketFactory's live-reconfigurable maxRamUsed knob. Buckets already
// RAM-backed are unaffected; the new limit only governs future Make and
// shouldMigrate decisions.
func (p *Pool) SetMaxRAMUsed(n int64) {
	p.mu.Lock()
	p.cfg.MaxRAMUsed = n
	p.mu.Unlock()
}

// MaxRAMUsed returns the pool's current RAM budget.
func (p *Pool) MaxRAMUsed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxRAMUsed
}

// SetMaxRAMBucketSize changes the largest estimated size a bucket may have
// and still start out RAM-backed.
func (p *Pool) SetMaxRAMBucketSize(n int64) {
	p.mu.Lock()
	p.cfg.MaxRAMBucketSize = n
	p.mu.Unlock()
}

// MaxRAMBucketSize returns the pool's current RAM-backed size ceiling.
func (p *Pool) MaxRAMBucketSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxRAMBucketSize
}

// SetEncryption toggles whether newly created file-backed buckets are
// wrapped in the ephemerally-keyed AES-CTR layer. Buckets already on disk
// keep whatever backing they were created with.
func (p *Pool) SetEncryption(enabled bool) {
	p.mu.Lock()
	p.cfg.ReallyEncrypt = enabled
	p.mu.Unlock()
}

// IsEncrypting reports whether new file-backed buckets are currently
// encrypted.
func (p *Pool) IsEncrypting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.ReallyEncrypt
}

// Make allocates a new Bucket. estimatedSize is a hint used only to decide
// the initial backing; the bucket may still grow past it (triggering
// synchronous migration) or shrink, since the caller doesn't have to write
// exactly that many bytes.
func (p *Pool) Make(estimatedSize int64) (Bucket, error) {
	p.mu.Lock()
	ram := estimatedSize > 0 &&
		estimatedSize <= p.cfg.MaxRAMBucketSize &&
		p.cfg.MaxRAMUsed > 0 &&
		p.bytesInUse <= p.cfg.MaxRAMUsed
	p.mu.Unlock()

	var (
		backing backingStore
		err     error
	)
	if ram {
		backing = newMemBacking(estimatedSize)
	} else {
		backing, err = p.newBacking()
		if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.nextID++
	b := &tempBucket{
		pool:      p,
		id:        p.nextID,
		created:   time.Now(),
		backing:   backing,
		ramBacked: ram,
	}
	b.ramBackedFlag.Store(ram)
	if ram {
		p.sweep.push(b)
	}
	p.mu.Unlock()

	// The sweep is opportunistic, never a free-running ticker: every
	// Make call is a chance to migrate whatever has aged out.
	p.triggerSweep()

	return b, nil
}

func (p *Pool) newBacking() (backingStore, error) {
	if p.cfg.ReallyEncrypt {
		return newEncryptedBacking(p.cfg.TempDir)
	}
	return newPlainFileBacking(p.cfg.TempDir)
}

// shouldMigrate reports whether extending a RAM-backed bucket from current
// to future bytes must trigger synchronous migration, per spec.md §4.4:
// either the bucket alone would exceed ConversionFactor times the RAM
// bucket size cap, or the incremental bytes would push the pool over its
// total RAM budget.
func (p *Pool) shouldMigrate(current, future int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if future > p.cfg.MaxRAMBucketSize*p.cfg.ConversionFactor {
		return true
	}
	delta := future - current
	return delta+p.bytesInUse > p.cfg.MaxRAMUsed
}

func (p *Pool) addRAMBytes(n int64) {
	p.mu.Lock()
	p.bytesInUse += n
	p.mu.Unlock()
}

func (p *Pool) releaseRAM(n int64) {
	p.mu.Lock()
	p.bytesInUse -= n
	if p.bytesInUse < 0 {
		p.bytesInUse = 0
	}
	p.mu.Unlock()
}

// triggerSweep collects every RAM-backed bucket old enough to migrate,
// under the pool lock, then hands the whole batch to one worker pool job
// so migration I/O never runs while the pool lock is held.
func (p *Pool) triggerSweep() {
	p.mu.Lock()
	eligible := p.sweep.drainEligible(time.Now(), p.cfg.MaxAge)
	p.mu.Unlock()

	if len(eligible) == 0 {
		return
	}

	go func() {
		err := p.workers.Submit(func() error {
			for _, b := range eligible {
				p.migrateAged(b)
			}
			return nil
		})
		if err != nil {
			log.Debugf("sweep batch of %d bucket(s) dropped: %v",
				len(eligible), err)
		}
	}()
}

// migrateAged migrates a single sweep-eligible bucket. A disk I/O failure
// here is logged only, per spec.md §4.4's async-sweep failure policy — the
// bucket stays RAM-backed until the next trigger.
func (p *Pool) migrateAged(b *tempBucket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed || !b.ramBacked {
		return
	}
	if err := b.migrateToFileLocked(); err != nil {
		log.Errorf("async migration of bucket %d failed, leaving "+
			"RAM-backed: %v", b.id, err)
	}
}
