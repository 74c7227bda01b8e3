package annwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// WriteElement writes the big-endian wire representation of element to w.
// It is the same one-stop-shop dispatch shape used throughout this
// protocol's message Encode methods, kept small since the message set only
// needs a handful of primitive types.
func WriteElement(w *bytes.Buffer, element interface{}) error {
	switch e := element.(type) {
	case uint8:
		return w.WriteByte(e)

	case uint16:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e)
		_, err := w.Write(b[:])
		return err

	case uint64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], e)
		_, err := w.Write(b[:])
		return err

	case float64:
		return WriteElement(w, math.Float64bits(e))

	default:
		return fmt.Errorf("annwire: unknown type %T for encoding", e)
	}
}

// WriteElements calls WriteElement for each of elements in order.
func WriteElements(w *bytes.Buffer, elements ...interface{}) error {
	for _, e := range elements {
		if err := WriteElement(w, e); err != nil {
			return err
		}
	}
	return nil
}

// ReadElement reads the big-endian wire representation of element from r.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint8:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = b[0]

	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *uint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint32(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])

	case *float64:
		var bits uint64
		if err := ReadElement(r, &bits); err != nil {
			return err
		}
		*e = math.Float64frombits(bits)

	default:
		return fmt.Errorf("annwire: unknown type %T for decoding", e)
	}
	return nil
}

// ReadElements calls ReadElement for each of elements in order.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, e := range elements {
		if err := ReadElement(r, e); err != nil {
			return err
		}
	}
	return nil
}
