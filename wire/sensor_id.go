package wire

import (
	"bytes"
	"encoding/hex"
)

// SensorID is the fixed-size key identifying a sensor on the wire. Shorter
// names are zero-padded; the string form stops at the first zero byte.
type SensorID [SensorIDSize]byte

// NewSensorID builds a SensorID from name, zero-padding short names and
// truncating names longer than SensorIDSize bytes.
func NewSensorID(name string) SensorID {
	var id SensorID
	copy(id[:], name)
	return id
}

// String returns the sensor name up to the first zero byte.
func (id SensorID) String() string {
	if i := bytes.IndexByte(id[:], 0); i >= 0 {
		return string(id[:i])
	}

	return string(id[:])
}

// Key returns the lowercase hex form of all SensorIDSize bytes. Unlike
// String it distinguishes ids that differ only after an embedded zero byte,
// so stores use it as the map or hash field key.
func (id SensorID) Key() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is all zero bytes.
func (id SensorID) IsZero() bool {
	return id == SensorID{}
}
