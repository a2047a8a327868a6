package registry

import (
	"fmt"
	"time"

	"github.com/cyberinferno/tcprelay/logger"
	"github.com/cyberinferno/tcprelay/perfmonitor"
	"github.com/cyberinferno/tcprelay/wire"
)

// DispatcherConfig tunes broadcast behaviour.
type DispatcherConfig struct {
	// WriteTimeout bounds each peer write; zero leaves writes unbounded, so a
	// slow peer slows the whole pass.
	WriteTimeout time.Duration
	// SlowBroadcastThreshold makes passes that take longer get logged at warn
	// level; zero disables the check.
	SlowBroadcastThreshold time.Duration
}

// DefaultDispatcherConfig returns unbounded writes and a 250ms slow-pass warning.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		WriteTimeout:           0,
		SlowBroadcastThreshold: 250 * time.Millisecond,
	}
}

// BroadcastResult summarizes one fan-out pass.
type BroadcastResult struct {
	// Recipients is the number of snapshot members other than the sender.
	Recipients int
	// Delivered is the number of recipients that received the whole frame.
	Delivered int
	// Failed lists recipients whose write failed; they have been removed.
	Failed []ConnID
	// Elapsed is the wall time of the pass including removals.
	Elapsed time.Duration
}

// Dispatcher writes a payload to every registered connection except its sender.
type Dispatcher struct {
	registry *Registry
	codec    wire.Codec
	logger   logger.Logger
	config   DispatcherConfig
}

// NewDispatcher creates a Dispatcher over reg that frames payloads with codec.
func NewDispatcher(reg *Registry, codec wire.Codec, l logger.Logger, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		codec:    codec,
		logger:   l,
		config:   cfg,
	}
}

// Broadcast delivers payload to all connections registered at snapshot time
// other than sender. Every write is retried until the full frame is sent or
// fails; failed peers are removed from the registry only after the whole pass
// so one dead peer cannot disturb delivery to the rest. Connections that
// register after the snapshot do not receive this payload.
//
// Parameters:
//   - payload: The message bytes
//   - sender: The originating connection, excluded from delivery
//
// Returns:
//   - The pass summary, or an error if payload cannot be framed
func (d *Dispatcher) Broadcast(payload []byte, sender ConnID) (BroadcastResult, error) {
	var result BroadcastResult

	frame, err := d.codec.Frame(payload)
	if err != nil {
		return result, fmt.Errorf("broadcast from %d: %w", sender, err)
	}

	pm := perfmonitor.NewPerformanceMonitor()
	pm.Start()

	for _, c := range d.registry.Snapshot() {
		if c.ID == sender {
			continue
		}

		result.Recipients++
		if err := c.WriteFull(frame, d.config.WriteTimeout); err != nil {
			d.logger.Warn("broadcast write failed",
				logger.Field{Key: "conn", Value: uint64(c.ID)},
				logger.Field{Key: "remote", Value: c.RemoteAddr},
				logger.Field{Key: "error", Value: err.Error()},
			)
			result.Failed = append(result.Failed, c.ID)
			continue
		}

		result.Delivered++
	}

	for _, id := range result.Failed {
		d.registry.Remove(id)
	}

	pm.Stop()
	result.Elapsed = pm.Elapsed()

	if d.config.SlowBroadcastThreshold > 0 && result.Elapsed > d.config.SlowBroadcastThreshold {
		d.logger.Warn("slow broadcast",
			logger.Field{Key: "sender", Value: uint64(sender)},
			logger.Field{Key: "recipients", Value: result.Recipients},
			logger.Field{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()},
		)
	}

	return result, nil
}
