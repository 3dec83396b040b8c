// Package store defines where received sensor records go. A Sink is handed
// every completed batch by the ingest workers; a Reader answers "what is the
// newest value of sensor X".
package store

import (
	"context"
	"errors"

	"github.com/cyberinferno/sensor-ingest/wire"
)

// ErrNotFound is returned by Reader.Latest for a sensor that has no value.
var ErrNotFound = errors.New("store: sensor not found")

// Sink receives decoded records. Implementations must be safe for concurrent
// use from any completion worker. The batch slice is reused by the caller
// once StoreBatch returns, so implementations must copy what they keep.
type Sink interface {
	// StoreRecord stores a single record.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - v: The record to store
	//
	// Returns:
	//   - An error if the record could not be stored
	StoreRecord(ctx context.Context, v wire.SensorValue) error

	// StoreBatch stores a contiguous batch of records.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - batch: The records to store; only valid for the duration of the call
	//
	// Returns:
	//   - An error if the batch could not be stored
	StoreBatch(ctx context.Context, batch []wire.SensorValue) error
}

// Reader looks up the newest stored value per sensor.
type Reader interface {
	// Latest returns the value with the greatest timestamp stored for id.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - id: The sensor to look up
	//
	// Returns:
	//   - The newest value
	//   - ErrNotFound if nothing was stored for id
	Latest(ctx context.Context, id wire.SensorID) (wire.SensorValue, error)
}

// newer reports whether v should replace cur under newest-wins. Equal
// timestamps let the later write win.
func newer(v, cur wire.SensorValue) bool {
	return v.Timestamp >= cur.Timestamp
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
