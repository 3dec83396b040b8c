package wire

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	t.Run("encodes little-endian packed layout", func(t *testing.T) {
		b := Header{RecordCount: 3, Index: -1}.Bytes()

		require.Len(t, b, HeaderSize)
		assert.Equal(t, []byte{3, 0, 0, 0, 0, 0, 0, 0}, b[0:8])
		assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, b[8:12])
	})

	t.Run("decodes what was encoded", func(t *testing.T) {
		h := Header{RecordCount: math.MaxUint64 - 7, Index: 42}

		got, err := DecodeHeader(h.Bytes())
		require.NoError(t, err)
		assert.Equal(t, h, got)
	})

	t.Run("short buffer is rejected", func(t *testing.T) {
		_, err := DecodeHeader(make([]byte, HeaderSize-1))
		assert.ErrorIs(t, err, ErrShortBuffer)

		assert.ErrorIs(t, Header{}.Put(make([]byte, 4)), ErrShortBuffer)
	})
}

func TestSensorValue(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	v := SensorValue{SensorID: NewSensorID("temp-01"), Timestamp: now.UnixNano(), Value: 21.5}

	t.Run("record size is 32 bytes", func(t *testing.T) {
		assert.Equal(t, 32, RecordSize)
	})

	t.Run("decodes what was encoded", func(t *testing.T) {
		b := make([]byte, RecordSize)
		require.NoError(t, v.Put(b))

		got, err := DecodeSensorValue(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.True(t, got.Time().Equal(now))
	})

	t.Run("short buffer is rejected", func(t *testing.T) {
		_, err := DecodeSensorValue(make([]byte, RecordSize-1))
		assert.ErrorIs(t, err, ErrShortBuffer)
	})
}

func TestBatch(t *testing.T) {
	values := []SensorValue{
		{SensorID: NewSensorID("a"), Timestamp: 1, Value: 1.5},
		{SensorID: NewSensorID("b"), Timestamp: 2, Value: -2.5},
		{SensorID: NewSensorID("c"), Timestamp: 3, Value: 0},
	}

	t.Run("encoded batch is contiguous", func(t *testing.T) {
		b := EncodeBatch(values)
		assert.Len(t, b, 3*RecordSize)
	})

	t.Run("decode reuses destination capacity", func(t *testing.T) {
		dst := make([]SensorValue, 0, 8)
		got, err := DecodeBatch(EncodeBatch(values), dst)
		require.NoError(t, err)
		assert.Equal(t, values, got)
		assert.Equal(t, 8, cap(got))
	})

	t.Run("partial record is an error", func(t *testing.T) {
		_, err := DecodeBatch(make([]byte, RecordSize+1), nil)
		assert.Error(t, err)
	})

	t.Run("empty input yields empty batch", func(t *testing.T) {
		got, err := DecodeBatch(nil, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSensorID(t *testing.T) {
	t.Run("short name is zero-padded", func(t *testing.T) {
		id := NewSensorID("ab")
		assert.Equal(t, byte('a'), id[0])
		assert.Equal(t, byte(0), id[2])
		assert.Equal(t, "ab", id.String())
	})

	t.Run("long name is truncated", func(t *testing.T) {
		id := NewSensorID("0123456789abcdefXYZ")
		assert.Equal(t, "0123456789abcdef", id.String())
	})

	t.Run("key keeps bytes after an embedded zero", func(t *testing.T) {
		a := SensorID{'a', 0, 'x'}
		b := SensorID{'a', 0, 'y'}
		assert.Equal(t, a.String(), b.String())
		assert.NotEqual(t, a.Key(), b.Key())
		assert.Equal(t, "61"+strings.Repeat("0", 30), NewSensorID("a").Key())
	})

	t.Run("zero id", func(t *testing.T) {
		assert.True(t, SensorID{}.IsZero())
		assert.False(t, NewSensorID("x").IsZero())
		assert.Equal(t, "", SensorID{}.String())
	})
}
