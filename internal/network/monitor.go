// Package network tracks connectivity observations and classifies link
// quality and stability for the sync engines.
package network

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quizapp/offlinesync/internal/httputil"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/models"
)

const (
	// HistorySize is the number of observations kept for stability analysis.
	HistorySize = 10
	// StabilityWindow is the number of most recent observations that must agree.
	StabilityWindow = 3
	// DefaultProbeTimeout bounds TestConnectivity when no timeout is given.
	DefaultProbeTimeout = 5 * time.Second
)

// Listener receives connectivity state changes.
type Listener func(models.NetworkEvent)

// Monitor ingests reachability observations and reports the current state.
// It never blocks callers beyond listener delivery.
type Monitor struct {
	mu        sync.RWMutex
	current   *models.NetworkEvent
	history   []models.NetworkEvent
	listeners map[int]Listener
	nextID    int

	probeURL string
	now      func() time.Time
	log      *logging.Logger
}

// NewMonitor creates a monitor probing probeURL in TestConnectivity.
func NewMonitor(probeURL string) *Monitor {
	return &Monitor{
		listeners: make(map[int]Listener),
		probeURL:  probeURL,
		now:       time.Now,
		log:       logging.Named("network"),
	}
}

// Observe records one observation. IsOnline is derived from the link being
// connected and the internet being reachable. Listeners are notified only
// when the state differs from the previous observation; the return value
// reports whether it did.
func (m *Monitor) Observe(ev models.NetworkEvent) bool {
	ev.IsOnline = ev.IsConnected && ev.IsInternetReachable != nil && *ev.IsInternetReachable
	ev.ConnectionType = strings.ToLower(ev.ConnectionType)
	ev.CellularGeneration = strings.ToLower(ev.CellularGeneration)
	if ev.Timestamp == 0 {
		ev.Timestamp = m.now().UnixMilli()
	}

	m.mu.Lock()
	m.history = append(m.history, ev)
	if len(m.history) > HistorySize {
		m.history = m.history[len(m.history)-HistorySize:]
	}
	changed := m.current == nil || !m.current.SameState(ev)
	if !changed {
		m.mu.Unlock()
		return false
	}
	prev := m.current
	cur := ev
	m.current = &cur
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	wasOnline := prev != nil && prev.IsOnline
	m.log.Info("Network state changed", map[string]interface{}{
		"online":          ev.IsOnline,
		"was_online":      wasOnline,
		"connection_type": ev.ConnectionType,
		"generation":      ev.CellularGeneration,
	})

	for _, l := range listeners {
		l(ev)
	}
	return true
}

func (m *Monitor) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			out = append(out, l)
		}
	}
	return out
}

// CurrentState returns the latest observation, or nil before the first one.
func (m *Monitor) CurrentState() *models.NetworkEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	ev := *m.current
	return &ev
}

// IsOnline reports whether the latest observation is online.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && m.current.IsOnline
}

// AddListener registers cb and immediately delivers the current state, if
// any. The returned function unsubscribes.
func (m *Monitor) AddListener(cb Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	var current *models.NetworkEvent
	if m.current != nil {
		ev := *m.current
		current = &ev
	}
	m.mu.Unlock()

	if current != nil {
		cb(*current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// History returns a copy of the retained observations, oldest first.
func (m *Monitor) History() []models.NetworkEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.NetworkEvent, len(m.history))
	copy(out, m.history)
	return out
}

// IsConnectionStable reports whether the last StabilityWindow observations
// agree on being online or offline. Fewer observations count as stable.
func (m *Monitor) IsConnectionStable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) < StabilityWindow {
		return true
	}
	recent := m.history[len(m.history)-StabilityWindow:]
	for _, ev := range recent[1:] {
		if ev.IsOnline != recent[0].IsOnline {
			return false
		}
	}
	return true
}

// ConnectionQuality classifies the current link from its transport type.
func (m *Monitor) ConnectionQuality() models.ConnectionQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return models.QualityOffline
	}
	return Classify(*m.current)
}

// Classify maps an observation to a connection quality.
func Classify(ev models.NetworkEvent) models.ConnectionQuality {
	if !ev.IsOnline {
		return models.QualityOffline
	}
	switch ev.ConnectionType {
	case "wifi", "ethernet":
		return models.QualityExcellent
	case "cellular":
		switch ev.CellularGeneration {
		case "2g", "3g":
			return models.QualityPoor
		default:
			return models.QualityGood
		}
	default:
		return models.QualityPoor
	}
}

// TestConnectivity sends a HEAD request to the probe URL, independent of the
// passive state. The probe is bounded by timeout and by ctx.
func (m *Monitor) TestConnectivity(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.log.Warn("Invalid probe URL", map[string]interface{}{"url": m.probeURL, "error": err.Error()})
		return false
	}

	client := httputil.NewClient(httputil.ProbeClientConfig(timeout))
	resp, err := client.Do(req)
	if err != nil {
		m.log.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}
