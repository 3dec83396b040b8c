// Package perfmonitor provides a small stopwatch used to time a single
// connection's transfer and derive its throughput.
package perfmonitor

import "time"

// bytesPerGB is the decimal gigabyte used for GB/s reporting.
const bytesPerGB = 1e9

// PerformanceMonitor measures the wall-clock time between Start and Stop.
// It is not safe for concurrent use; each connection owns its own monitor and
// touches it only from its serialized completions.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// Throughput is the rate achieved over a measured interval.
type Throughput struct {
	Records          uint64
	Bytes            uint64
	Elapsed          time.Duration
	RecordsPerSecond float64
	GBPerSecond      float64
}

// NewPerformanceMonitor returns a monitor with no measurement recorded.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start records the start time and clears any previous end time.
func (p *PerformanceMonitor) Start() {
	p.startTime = time.Now()
	p.endTime = time.Time{}
}

// Stop records the end time. It has no effect if Start was not called since
// the last Reset. Calling Stop again moves the end time forward.
func (p *PerformanceMonitor) Stop() {
	if p.startTime.IsZero() {
		return
	}

	p.endTime = time.Now()
}

// Reset clears both start and end times.
func (p *PerformanceMonitor) Reset() {
	p.startTime = time.Time{}
	p.endTime = time.Time{}
}

// Started reports whether Start was called since the last Reset.
func (p *PerformanceMonitor) Started() bool {
	return !p.startTime.IsZero()
}

// Elapsed returns the measured interval, or zero if the monitor has not been
// both started and stopped.
func (p *PerformanceMonitor) Elapsed() time.Duration {
	if p.startTime.IsZero() || p.endTime.IsZero() {
		return 0
	}

	return p.endTime.Sub(p.startTime)
}

// ElapsedMilliseconds returns Elapsed as fractional milliseconds.
func (p *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(p.Elapsed()) / float64(time.Millisecond)
}

// Throughput computes the rates for records of recordSize bytes transferred
// during the measured interval. Rates are zero when nothing was measured.
//
// Parameters:
//   - records: Number of records transferred
//   - recordSize: Size of one record in bytes
//
// Returns:
//   - The throughput over the measured interval
func (p *PerformanceMonitor) Throughput(records uint64, recordSize int) Throughput {
	t := Throughput{
		Records: records,
		Bytes:   records * uint64(recordSize),
		Elapsed: p.Elapsed(),
	}

	if seconds := t.Elapsed.Seconds(); seconds > 0 {
		t.RecordsPerSecond = float64(t.Records) / seconds
		t.GBPerSecond = float64(t.Bytes) / seconds / bytesPerGB
	}

	return t
}
