package metrics

import (
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Inc(CallsStarted)
	m.Inc(CallsStarted)
	m.Inc(RelayRouted)

	if got := m.Get(CallsStarted); got != 2 {
		t.Errorf("Get(CallsStarted) = %d, want 2", got)
	}
	if got := m.Get(CallsEnded); got != 0 {
		t.Errorf("Get(CallsEnded) = %d, want 0", got)
	}

	snap := m.Snapshot()
	if snap[CallsStarted] != 2 || snap[RelayRouted] != 1 {
		t.Errorf("Snapshot = %v", snap)
	}

	// The snapshot is a copy.
	snap[CallsStarted] = 99
	if got := m.Get(CallsStarted); got != 2 {
		t.Errorf("snapshot mutation leaked: %d", got)
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(CallsStarted)
	if got := m.Get(CallsStarted); got != 0 {
		t.Errorf("nil Get = %d", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Errorf("nil Snapshot = %v", snap)
	}
}

func TestConcurrentInc(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(RelayRouted)
			}
		}()
	}
	wg.Wait()
	if got := m.Get(RelayRouted); got != 800 {
		t.Errorf("Get(RelayRouted) = %d, want 800", got)
	}
}
