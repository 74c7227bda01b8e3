package tempbucket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

// paddingBlockSize is the block size padded-encrypted buckets round their
// on-disk length up to, matching the fixed 1024-byte padding unit of the
// pool's "really encrypt" mode.
const paddingBlockSize = 1024

// encryptedBacking wraps a fileBacking with AES-CTR under a per-bucket
// ephemeral key. Writes are encrypted as they arrive; the plaintext is
// padded to the next multiple of paddingBlockSize only once, when the
// writer closes, so mid-stream writers never pay for padding they might
// still extend. logicalSize is the true, unpadded content length exposed
// to readers — the padding bytes live only on disk.
type encryptedBacking struct {
	inner       *fileBacking
	block       cipher.Block
	key         []byte
	iv          [aes.BlockSize]byte
	writeStream cipher.Stream
	logicalSize int64
	padded      bool
}

func newEncryptedBacking(dir string) (*encryptedBacking, error) {
	inner, err := newPlainFileBacking(dir)
	if err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		inner.close()
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		inner.close()
		return nil, err
	}
	var iv [aes.BlockSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		inner.close()
		return nil, err
	}

	return &encryptedBacking{
		inner:       inner,
		block:       block,
		key:         key,
		iv:          iv,
		writeStream: cipher.NewCTR(block, iv[:]),
	}, nil
}

func (e *encryptedBacking) write(p []byte) (int, error) {
	if e.padded {
		return 0, errBucketPadded
	}
	ciphertext := make([]byte, len(p))
	e.writeStream.XORKeyStream(ciphertext, p)
	n, err := e.inner.write(ciphertext)
	e.logicalSize += int64(n)
	return n, err
}

// finalizePadding pads the ciphertext up to the next paddingBlockSize
// multiple, run once when the bucket's writer closes. Buckets whose
// content already lands on a block boundary need no padding at all.
func (e *encryptedBacking) finalizePadding() error {
	if e.padded {
		return nil
	}
	e.padded = true

	pad := paddedLength(e.logicalSize) - e.logicalSize
	if pad == 0 {
		return nil
	}
	ciphertext := make([]byte, pad)
	e.writeStream.XORKeyStream(ciphertext, make([]byte, pad))
	_, err := e.inner.write(ciphertext)
	return err
}

func paddedLength(n int64) int64 {
	if n%paddingBlockSize == 0 {
		return n
	}
	return (n/paddingBlockSize + 1) * paddingBlockSize
}

func (e *encryptedBacking) readAt(p []byte, off int64) (int, error) {
	if off >= e.logicalSize {
		return 0, io.EOF
	}
	if off+int64(len(p)) > e.logicalSize {
		p = p[:e.logicalSize-off]
	}

	ciphertext := make([]byte, len(p))
	n, err := e.inner.readAt(ciphertext, off)
	if n == 0 {
		return 0, err
	}

	stream := ctrStreamAt(e.block, e.iv, off)
	stream.XORKeyStream(p[:n], ciphertext[:n])
	return n, nil
}

func (e *encryptedBacking) size() int64 {
	return e.logicalSize
}

func (e *encryptedBacking) close() error {
	for i := range e.key {
		e.key[i] = 0
	}
	return e.inner.close()
}

// ctrStreamAt returns a CTR keystream positioned to decrypt/encrypt the
// byte at byteOffset, by advancing the IV's block counter and discarding
// the partial-block remainder — CTR mode is otherwise only a sequential
// stream, and readers must be able to seek to an arbitrary offset after a
// migration rebind.
func ctrStreamAt(block cipher.Block, baseIV [aes.BlockSize]byte, byteOffset int64) cipher.Stream {
	blockOffset := byteOffset / aes.BlockSize
	within := int(byteOffset % aes.BlockSize)

	iv := addBlockCounter(baseIV, blockOffset)
	stream := cipher.NewCTR(block, iv[:])
	if within > 0 {
		discard := make([]byte, within)
		stream.XORKeyStream(discard, discard)
	}
	return stream
}

// addBlockCounter treats iv as a 128-bit big-endian counter and adds n.
func addBlockCounter(iv [aes.BlockSize]byte, n int64) [aes.BlockSize]byte {
	out := iv
	carry := uint64(n)
	for i := aes.BlockSize - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}
