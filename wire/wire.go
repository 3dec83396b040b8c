// Package wire defines the fixed binary layouts exchanged between sensor
// producers and the ingest server: a 12-byte Header sent once per connection
// followed by RecordCount packed 32-byte SensorValue records. All integers and
// floats are little-endian and fields are packed without padding.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// HeaderSize is the encoded size of Header in bytes.
	HeaderSize = 12

	// SensorIDSize is the fixed size of a sensor key in bytes.
	SensorIDSize = 16

	// RecordSize is the encoded size of SensorValue in bytes.
	RecordSize = SensorIDSize + 8 + 8
)

// ErrShortBuffer is returned when a buffer is too small to hold the layout
// being encoded or decoded.
var ErrShortBuffer = errors.New("wire: short buffer")

// Header is the per-connection prefix announcing how many records follow.
type Header struct {
	RecordCount uint64
	Index       int32
}

// Put encodes the header into the first HeaderSize bytes of b.
//
// Returns:
//   - ErrShortBuffer if len(b) < HeaderSize
func (h Header) Put(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortBuffer
	}

	binary.LittleEndian.PutUint64(b[0:8], h.RecordCount)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Index))
	return nil
}

// Bytes returns the header encoded into a new HeaderSize slice.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	_ = h.Put(b)
	return b
}

// DecodeHeader decodes a Header from the first HeaderSize bytes of b.
//
// Parameters:
//   - b: Buffer holding at least HeaderSize bytes
//
// Returns:
//   - The decoded header
//   - ErrShortBuffer if b holds fewer than HeaderSize bytes
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("decode header from %d bytes: %w", len(b), ErrShortBuffer)
	}

	return Header{
		RecordCount: binary.LittleEndian.Uint64(b[0:8]),
		Index:       int32(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// SensorValue is a single fixed-size reading.
type SensorValue struct {
	SensorID  SensorID
	Timestamp int64
	Value     float64
}

// Time returns Timestamp interpreted as nanoseconds since the Unix epoch.
func (v SensorValue) Time() time.Time {
	return time.Unix(0, v.Timestamp)
}

// Put encodes the record into the first RecordSize bytes of b.
func (v SensorValue) Put(b []byte) error {
	if len(b) < RecordSize {
		return ErrShortBuffer
	}

	copy(b[0:SensorIDSize], v.SensorID[:])
	binary.LittleEndian.PutUint64(b[SensorIDSize:SensorIDSize+8], uint64(v.Timestamp))
	binary.LittleEndian.PutUint64(b[SensorIDSize+8:RecordSize], math.Float64bits(v.Value))
	return nil
}

// DecodeSensorValue decodes one record from the first RecordSize bytes of b.
func DecodeSensorValue(b []byte) (SensorValue, error) {
	if len(b) < RecordSize {
		return SensorValue{}, fmt.Errorf("decode record from %d bytes: %w", len(b), ErrShortBuffer)
	}

	var v SensorValue
	copy(v.SensorID[:], b[0:SensorIDSize])
	v.Timestamp = int64(binary.LittleEndian.Uint64(b[SensorIDSize : SensorIDSize+8]))
	v.Value = math.Float64frombits(binary.LittleEndian.Uint64(b[SensorIDSize+8 : RecordSize]))
	return v, nil
}

// EncodeBatch encodes values back to back into a new slice of
// len(values)*RecordSize bytes.
func EncodeBatch(values []SensorValue) []byte {
	b := make([]byte, len(values)*RecordSize)
	for i, v := range values {
		_ = v.Put(b[i*RecordSize:])
	}

	return b
}

// DecodeBatch decodes every complete record in b into dst, reusing dst's
// backing array when it is large enough.
//
// Parameters:
//   - b: Encoded records; len(b) must be a multiple of RecordSize
//   - dst: Destination slice, truncated and appended to
//
// Returns:
//   - dst holding len(b)/RecordSize records
//   - An error if len(b) is not a whole number of records
func DecodeBatch(b []byte, dst []SensorValue) ([]SensorValue, error) {
	if len(b)%RecordSize != 0 {
		return dst[:0], fmt.Errorf("decode batch of %d bytes: not a multiple of %d", len(b), RecordSize)
	}

	dst = dst[:0]
	for off := 0; off < len(b); off += RecordSize {
		v, _ := DecodeSensorValue(b[off:])
		dst = append(dst, v)
	}

	return dst, nil
}
