package tempbucket

import "time"

// Config parameterizes a Pool. Field names match spec.md's tempbucket
// configuration knobs and the corresponding go-flags fields in
// opennetd/config.
type Config struct {
	// MaxRAMBucketSize is the largest estimated size a bucket may have
	// and still start out RAM-backed.
	MaxRAMBucketSize int64

	// MaxRAMUsed bounds the pool's total RAM-backed bytes in use. A
	// value of 0 disables RAM-backed buckets entirely.
	MaxRAMUsed int64

	// ConversionFactor is the multiple of MaxRAMBucketSize a RAM-backed
	// bucket may grow to before a write forces synchronous migration.
	ConversionFactor int64

	// MaxAge is how long a RAM-backed bucket may live before the sweep
	// migrates it to disk regardless of size.
	MaxAge time.Duration

	// ReallyEncrypt wraps every file-backed bucket in the padded,
	// ephemerally-keyed AES-CTR layer.
	ReallyEncrypt bool

	// TempDir is the directory file-backed buckets are created under.
	TempDir string

	// SweepWorkers bounds the number of concurrent migration batches the
	// pool's worker pool will run.
	SweepWorkers int
}

// DefaultConfig returns reasonable defaults matching spec.md §6's literal
// constants (5 minute max age, 4x conversion factor).
func DefaultConfig() Config {
	return Config{
		MaxRAMBucketSize: 256 * 1024,
		MaxRAMUsed:       16 * 1024 * 1024,
		ConversionFactor: 4,
		MaxAge:           5 * time.Minute,
		ReallyEncrypt:    false,
		TempDir:          "",
		SweepWorkers:     2,
	}
}
