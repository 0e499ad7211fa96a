package syncengine

import (
	"sync"
	"time"
)

// LinkQuality buckets the observed link into coarse classes that drive
// batch sizing and compression decisions.
type LinkQuality int

const (
	// QualityOffline means no connectivity has been reported.
	QualityOffline LinkQuality = iota
	// QualityPoor is a slow or lossy link.
	QualityPoor
	// QualityFair is a usable but constrained link.
	QualityFair
	// QualityGood is a typical broadband or LTE link.
	QualityGood
	// QualityExcellent is a fast, low-latency link.
	QualityExcellent
)

// String returns a human-readable quality name.
func (q LinkQuality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// NetworkState is a point-in-time view of connectivity.
type NetworkState struct {
	Online    bool
	Quality   LinkQuality
	MedianRTT time.Duration
	ChangedAt time.Time
}

// NetworkMonitor tracks connectivity and link quality from samples the
// host application reports. Transitions to online are edge-triggered:
// each offline-to-online flip notifies subscribers exactly once.
type NetworkMonitor struct {
	config NetworkConfig

	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	samples   []time.Duration
	next      int
	filled    bool

	subscribers []chan NetworkState
}

// NewNetworkMonitor creates a monitor starting in the offline state.
func NewNetworkMonitor(config NetworkConfig) *NetworkMonitor {
	if config.SampleWindow <= 0 {
		config.SampleWindow = 16
	}
	return &NetworkMonitor{
		config:    config,
		samples:   make([]time.Duration, config.SampleWindow),
		changedAt: time.Now(),
	}
}

// SetOnline reports a connectivity change. Repeated calls with the same
// value are no-ops; only edges notify subscribers.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.changedAt = time.Now()
	if !online {
		// Stale RTT samples from the previous connection do not describe
		// the next one.
		m.next = 0
		m.filled = false
	}
	state := m.stateLocked()
	subs := make([]chan NetworkState, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// ReportSample records a round-trip time observation.
func (m *NetworkMonitor) ReportSample(rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[m.next] = rtt
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.filled = true
	}
}

// Online reports current connectivity.
func (m *NetworkMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// State returns the current network state.
func (m *NetworkMonitor) State() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

// Quality returns the current link quality bucket.
func (m *NetworkMonitor) Quality() LinkQuality {
	return m.State().Quality
}

func (m *NetworkMonitor) stateLocked() NetworkState {
	state := NetworkState{
		Online:    m.online,
		Quality:   QualityOffline,
		ChangedAt: m.changedAt,
	}
	if !m.online {
		return state
	}

	rtt := m.medianLocked()
	state.MedianRTT = rtt
	switch {
	case rtt == 0:
		// Online but no samples yet; assume a middling link.
		state.Quality = QualityFair
	case rtt < m.config.ExcellentBelow:
		state.Quality = QualityExcellent
	case rtt < m.config.GoodBelow:
		state.Quality = QualityGood
	case rtt < m.config.FairBelow:
		state.Quality = QualityFair
	default:
		state.Quality = QualityPoor
	}
	return state
}

func (m *NetworkMonitor) medianLocked() time.Duration {
	n := m.next
	if m.filled {
		n = len(m.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, m.samples[:n])
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[len(sorted)/2]
}

// Subscribe returns a channel receiving state changes. Delivery is
// best-effort: a slow consumer misses edges rather than blocking the
// reporter.
func (m *NetworkMonitor) Subscribe() <-chan NetworkState {
	ch := make(chan NetworkState, 4)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}
