package meter

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordCounters(t *testing.T) {
	m := New()

	m.RecordGas(10)
	m.RecordGas(5)
	m.RecordNetIngress(100)
	m.RecordNetEgress(200)
	m.RecordStorageRead(7)
	m.RecordStorageWritten(9)

	snap := m.Snapshot()
	assert.Equal(t, uint64(15), snap.GasConsumed)
	assert.Equal(t, uint64(100), snap.NetIngress)
	assert.Equal(t, uint64(200), snap.NetEgress)
	assert.Equal(t, uint64(7), snap.StorageRead)
	assert.Equal(t, uint64(9), snap.StorageWritten)
}

func TestSaturation(t *testing.T) {
	m := New()

	m.RecordGas(math.MaxUint64 - 1)
	m.RecordGas(10)
	assert.Equal(t, uint64(math.MaxUint64), m.GasConsumed())

	// Saturated counter stays saturated
	m.RecordGas(1)
	assert.Equal(t, uint64(math.MaxUint64), m.GasConsumed())
}

func TestConnectionCharges(t *testing.T) {
	m := New()

	m.RecordTCPConnectStart()
	m.RecordTCPConnectDone()
	m.RecordTLSConnectStart()
	m.RecordTLSConnectDone()
	m.RecordTCPShutdown()

	snap := m.Snapshot()
	assert.Equal(t, uint64(512+4096+128), snap.NetEgress)
	assert.Equal(t, uint64(512+4096), snap.NetIngress)
}

func TestStop(t *testing.T) {
	m := New()
	assert.False(t, m.Stopped())

	m.Stop()
	assert.True(t, m.Stopped())

	// Idempotent
	m.Stop()
	assert.True(t, m.Stopped())
}

func TestConcurrentRecording(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.RecordGas(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), m.GasConsumed())
}
