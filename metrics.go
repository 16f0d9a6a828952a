package nvmetest

import (
	"sync/atomic"
	"time"

	"github.com/hostside/go-nvmetest/internal/nvme"
)

// LatencyBuckets defines the completion-latency histogram buckets in
// microseconds, logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1,
	10,
	100,
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-controller operation statistics. All counters are
// atomic; the trampoline records every completion here regardless of which
// path submitted it.
type Metrics struct {
	// I/O operation counters
	ReadOps  atomic.Uint64
	WriteOps atomic.Uint64
	TrimOps  atomic.Uint64
	OtherOps atomic.Uint64

	// Byte counters
	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	// Error counters
	DeviceErrors   atomic.Uint64 // completions with non-zero status
	VerifyFailures atomic.Uint64 // forged media errors from read-verify

	// Latency tracking, host-measured microseconds
	TotalLatencyUs atomic.Uint64
	OpCount        atomic.Uint64
	MaxLatencyUs   atomic.Uint64

	// Cumulative histogram: bucket[i] counts completions with latency <=
	// LatencyBuckets[i]
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordCompletion(opc uint8, bytes uint64, latencyUs uint64,
	deviceErr, verifyFail bool) {

	switch opc {
	case nvme.OpcRead:
		m.ReadOps.Add(1)
		m.ReadBytes.Add(bytes)
	case nvme.OpcWrite:
		m.WriteOps.Add(1)
		m.WriteBytes.Add(bytes)
	case nvme.OpcDatasetManagement:
		m.TrimOps.Add(1)
	default:
		m.OtherOps.Add(1)
	}

	if deviceErr {
		m.DeviceErrors.Add(1)
	}
	if verifyFail {
		m.VerifyFailures.Add(1)
	}

	m.TotalLatencyUs.Add(latencyUs)
	m.OpCount.Add(1)
	for {
		cur := m.MaxLatencyUs.Load()
		if latencyUs <= cur {
			break
		}
		if m.MaxLatencyUs.CompareAndSwap(cur, latencyUs) {
			break
		}
	}
	for i, bucket := range LatencyBuckets {
		if latencyUs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of the counters with derived
// rates.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	TrimOps  uint64
	OtherOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	DeviceErrors   uint64
	VerifyFailures uint64

	AvgLatencyUs uint64
	MaxLatencyUs uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps  uint64
	UptimeNs  uint64
	ReadIOPS  float64
	WriteIOPS float64
}

// Snapshot copies the counters out.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		TrimOps:        m.TrimOps.Load(),
		OtherOps:       m.OtherOps.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		DeviceErrors:   m.DeviceErrors.Load(),
		VerifyFailures: m.VerifyFailures.Load(),
		MaxLatencyUs:   m.MaxLatencyUs.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.TrimOps + snap.OtherOps

	if opCount := m.OpCount.Load(); opCount > 0 {
		snap.AvgLatencyUs = m.TotalLatencyUs.Load() / opCount
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}
	return snap
}

// Reset zeroes all counters (useful for testing).
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.TrimOps.Store(0)
	m.OtherOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.DeviceErrors.Store(0)
	m.VerifyFailures.Store(0)
	m.TotalLatencyUs.Store(0)
	m.OpCount.Store(0)
	m.MaxLatencyUs.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
}
