// Package perfmonitor provides a small stopwatch used to time individual
// operations such as one broadcast pass over the registry.
package perfmonitor

import "time"

// PerformanceMonitor measures the wall time between Start and Stop. It is not
// safe for concurrent use; create one per measured operation.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a monitor with no recorded times.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// Start records the start time, overwriting any earlier start.
func (pm *PerformanceMonitor) Start() {
	pm.startTime = time.Now()
}

// Stop records the end time. It is ignored until Start has been called.
func (pm *PerformanceMonitor) Stop() {
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Elapsed returns the measured duration, or zero if the measurement is incomplete.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return pm.endTime.Sub(pm.startTime)
}

// ElapsedMilliseconds returns Elapsed as fractional milliseconds.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(pm.Elapsed()) / float64(time.Millisecond)
}
