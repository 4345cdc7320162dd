package meter

import (
	"math"
	"sync/atomic"
)

// Fixed charges for connection lifecycle events, in bytes.
const (
	tcpConnectCharge  = 512
	tlsConnectCharge  = 4096
	tcpShutdownCharge = 128
)

// Meter accumulates one instance's resource usage. All operations are
// atomic and lock-free so host calls can charge from the execution path
// without synchronizing with the scheduler. Counters saturate at the
// maximum 64-bit value instead of wrapping.
type Meter struct {
	gasConsumed    atomic.Uint64
	netEgress      atomic.Uint64
	netIngress     atomic.Uint64
	storageRead    atomic.Uint64
	storageWritten atomic.Uint64

	// stopped signals the epoch checker to unwind the instance at the
	// next safe point.
	stopped atomic.Bool
}

// New creates a meter with all counters at zero
func New() *Meter {
	return &Meter{}
}

// saturatingAdd adds n to the counter, clamping at the maximum value
func saturatingAdd(counter *atomic.Uint64, n uint64) {
	for {
		old := counter.Load()
		sum := old + n
		if sum < old {
			sum = math.MaxUint64
		}
		if counter.CompareAndSwap(old, sum) {
			return
		}
	}
}

// RecordGas adds to the gas counter
func (m *Meter) RecordGas(gas uint64) {
	saturatingAdd(&m.gasConsumed, gas)
}

// SetGasConsumed overwrites the gas counter with the engine's own tally
func (m *Meter) SetGasConsumed(gas uint64) {
	m.gasConsumed.Store(gas)
}

// RecordNetEgress adds outbound network bytes
func (m *Meter) RecordNetEgress(bytes uint64) {
	saturatingAdd(&m.netEgress, bytes)
}

// RecordNetIngress adds inbound network bytes
func (m *Meter) RecordNetIngress(bytes uint64) {
	saturatingAdd(&m.netIngress, bytes)
}

// RecordStorageRead adds storage bytes read
func (m *Meter) RecordStorageRead(bytes uint64) {
	saturatingAdd(&m.storageRead, bytes)
}

// RecordStorageWritten adds storage bytes written
func (m *Meter) RecordStorageWritten(bytes uint64) {
	saturatingAdd(&m.storageWritten, bytes)
}

// RecordTCPConnectStart charges the egress half of a TCP connect
func (m *Meter) RecordTCPConnectStart() {
	m.RecordNetEgress(tcpConnectCharge)
}

// RecordTCPConnectDone charges the ingress half of a TCP connect
func (m *Meter) RecordTCPConnectDone() {
	m.RecordNetIngress(tcpConnectCharge)
}

// RecordTLSConnectStart charges the egress half of a TLS handshake
func (m *Meter) RecordTLSConnectStart() {
	m.RecordNetEgress(tlsConnectCharge)
}

// RecordTLSConnectDone charges the ingress half of a TLS handshake
func (m *Meter) RecordTLSConnectDone() {
	m.RecordNetIngress(tlsConnectCharge)
}

// RecordTCPShutdown charges a stream teardown
func (m *Meter) RecordTCPShutdown() {
	m.RecordNetEgress(tcpShutdownCharge)
}

// Stop raises the stop flag. The flag is observed by host calls and the
// epoch checker; raising it twice is harmless.
func (m *Meter) Stop() {
	m.stopped.Store(true)
}

// Stopped reports whether the stop flag is raised
func (m *Meter) Stopped() bool {
	return m.stopped.Load()
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	GasConsumed    uint64
	NetIngress     uint64
	NetEgress      uint64
	StorageRead    uint64
	StorageWritten uint64
}

// Snapshot reads all counters. The read is not a single atomic operation;
// each counter is individually consistent.
func (m *Meter) Snapshot() Snapshot {
	return Snapshot{
		GasConsumed:    m.gasConsumed.Load(),
		NetIngress:     m.netIngress.Load(),
		NetEgress:      m.netEgress.Load(),
		StorageRead:    m.storageRead.Load(),
		StorageWritten: m.storageWritten.Load(),
	}
}

// GasConsumed reads the gas counter
func (m *Meter) GasConsumed() uint64 {
	return m.gasConsumed.Load()
}
