package network

import (
	"context"
	"time"

	"github.com/quizapp/offlinesync/internal/models"
)

// Poller feeds the monitor from periodic probes. It serves deployments with
// no host-supplied reachability signal, such as the daemon.
type Poller struct {
	monitor        *Monitor
	interval       time.Duration
	timeout        time.Duration
	connectionType string
}

// NewPoller creates a poller reporting observations with connectionType.
func NewPoller(monitor *Monitor, interval, timeout time.Duration, connectionType string) *Poller {
	if connectionType == "" {
		connectionType = "ethernet"
	}
	return &Poller{
		monitor:        monitor,
		interval:       interval,
		timeout:        timeout,
		connectionType: connectionType,
	}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Poller) probe(ctx context.Context) {
	ok := p.monitor.TestConnectivity(ctx, p.timeout)
	if ctx.Err() != nil {
		return
	}
	connType := p.connectionType
	if !ok {
		connType = "none"
	}
	p.monitor.Observe(models.NetworkEvent{
		IsConnected:         ok,
		ConnectionType:      connType,
		IsInternetReachable: &ok,
	})
}
