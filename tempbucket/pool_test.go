package tempbucket

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRAMBucketSize = 1024
	cfg.MaxRAMUsed = 4096
	cfg.ConversionFactor = 4
	cfg.MaxAge = 50 * time.Millisecond
	cfg.SweepWorkers = 1
	return cfg
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := NewPool(testConfig())
	t.Cleanup(p.Close)
	return p
}

func writeAll(t *testing.T, b Bucket, data []byte) {
	t.Helper()
	w, err := b.Writer()
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, b Bucket) []byte {
	t.Helper()
	r, err := b.Reader()
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestSmallBucketIsRAMBacked(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(64)
	require.NoError(t, err)

	tb := b.(*tempBucket)
	require.True(t, tb.ramBacked)
}

func TestOversizedBucketIsFileBacked(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(1 << 20)
	require.NoError(t, err)

	tb := b.(*tempBucket)
	require.False(t, tb.ramBacked)
}

func TestZeroMaxRAMUsedNeverProducesRAMBuckets(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRAMUsed = 0
	p := NewPool(cfg)
	t.Cleanup(p.Close)

	b, err := p.Make(16)
	require.NoError(t, err)
	require.False(t, b.(*tempBucket).ramBacked)
}

func TestRoundTrip(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(32)
	require.NoError(t, err)

	payload := []byte("the noderef payload")
	writeAll(t, b, payload)

	require.Equal(t, int64(len(payload)), b.Size())
	require.Equal(t, payload, readAll(t, b))
}

func TestAtMostOneWriter(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(32)
	require.NoError(t, err)

	w1, err := b.Writer()
	require.NoError(t, err)
	defer w1.Close()

	_, err = b.Writer()
	require.ErrorIs(t, err, errWriterOpen)
}

func TestSynchronousMigrationOnConversionFactor(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(64)
	require.NoError(t, err)
	tb := b.(*tempBucket)
	require.True(t, tb.ramBacked)

	w, err := b.Writer()
	require.NoError(t, err)

	// MaxRAMBucketSize=1024, ConversionFactor=4: writing past 4096 bytes
	// forces synchronous migration mid-stream.
	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}
	_, err = w.Write(big)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.False(t, tb.ramBacked)
	require.Equal(t, big, readAll(t, b))
}

func TestBytesInUseAccounting(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(100)
	require.NoError(t, err)
	writeAll(t, b, make([]byte, 100))

	require.Equal(t, int64(100), p.BytesInUse())

	require.NoError(t, b.Free())
	require.Equal(t, int64(0), p.BytesInUse())
}

func TestBytesInUseDecreasesOnMigration(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(100)
	require.NoError(t, err)
	writeAll(t, b, make([]byte, 100))
	require.Equal(t, int64(100), p.BytesInUse())

	tb := b.(*tempBucket)
	tb.mu.Lock()
	err = tb.migrateToFileLocked()
	tb.mu.Unlock()
	require.NoError(t, err)

	require.Equal(t, int64(0), p.BytesInUse())
}

func TestMigratingFileBackedBucketIsNoop(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(1 << 20) // file-backed from the start
	require.NoError(t, err)
	tb := b.(*tempBucket)

	tb.mu.Lock()
	err = tb.migrateToFileLocked()
	tb.mu.Unlock()
	require.NoError(t, err)
	require.False(t, tb.ramBacked)
}

func TestReaderRebindsAcrossMigration(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(100)
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeAll(t, b, payload)

	r, err := b.Reader()
	require.NoError(t, err)
	defer r.Close()

	prefix := make([]byte, 40)
	_, err = io.ReadFull(r, prefix)
	require.NoError(t, err)
	require.Equal(t, payload[:40], prefix)

	tb := b.(*tempBucket)
	tb.mu.Lock()
	require.NoError(t, tb.migrateToFileLocked())
	tb.mu.Unlock()

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload[40:], rest)
	require.GreaterOrEqual(t, r.(*bucketReader).rebinds, 1)
}

func TestSweepMigratesAgedBuckets(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(64)
	require.NoError(t, err)
	writeAll(t, b, []byte("hello"))

	tb := b.(*tempBucket)
	require.True(t, tb.ramBacked)

	time.Sleep(2 * p.cfg.MaxAge)

	// The sweep is opportunistic: triggered by the next Make call.
	_, err = p.Make(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		return !tb.ramBacked
	}, time.Second, time.Millisecond)

	require.Equal(t, []byte("hello"), readAll(t, b))
}

func TestReaderAtOffsetSurvivesAgeMigration(t *testing.T) {
	p := newTestPool(t)
	b, err := p.Make(100)
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	writeAll(t, b, payload)

	r, err := b.Reader()
	require.NoError(t, err)
	defer r.Close()

	prefix := make([]byte, 40)
	_, err = io.ReadFull(r, prefix)
	require.NoError(t, err)

	time.Sleep(2 * p.cfg.MaxAge)
	_, err = p.Make(1)
	require.NoError(t, err)

	tb := b.(*tempBucket)
	require.Eventually(t, func() bool {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		return !tb.ramBacked
	}, time.Second, time.Millisecond)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload[40:], rest)
}

func TestEncryptedBucketRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.ReallyEncrypt = true
	cfg.MaxRAMBucketSize = 0
	cfg.MaxRAMUsed = 0
	p := NewPool(cfg)
	t.Cleanup(p.Close)

	b, err := p.Make(1)
	require.NoError(t, err)
	require.IsType(t, &encryptedBacking{}, b.(*tempBucket).backing)

	payload := []byte("a noderef, padded and encrypted at rest")
	writeAll(t, b, payload)

	require.Equal(t, int64(len(payload)), b.Size())
	require.Equal(t, payload, readAll(t, b))
}

func TestEncryptedPaddingIsMultipleOf1024(t *testing.T) {
	cfg := testConfig()
	cfg.ReallyEncrypt = true
	cfg.MaxRAMBucketSize = 0
	cfg.MaxRAMUsed = 0
	p := NewPool(cfg)
	t.Cleanup(p.Close)

	b, err := p.Make(1)
	require.NoError(t, err)
	writeAll(t, b, []byte("short"))

	enc := b.(*tempBucket).backing.(*encryptedBacking)
	require.Equal(t, int64(0), enc.inner.size()%paddingBlockSize)
	require.Equal(t, int64(5), enc.size())
}
