package upstream

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/caravel-registry/caravel/internal/config"
)

// healthCheckInterval paces the background ping loop.
const healthCheckInterval = 30 * time.Second

// Manager owns the configured upstreams: one pooled client per
// upstream, the route matcher, and the background health checker.
type Manager struct {
	upstreams []*Upstream
	clients   map[string]*Client
	router    *Router
}

// NewManager builds the upstream registry from the configuration
// snapshot.
func NewManager(cfgs []config.UpstreamConfig) (*Manager, error) {
	m := &Manager{clients: make(map[string]*Client, len(cfgs))}

	for _, c := range cfgs {
		u := fromConfig(c)
		m.upstreams = append(m.upstreams, u)
		m.clients[u.Name] = NewClient(u)
	}

	router, err := NewRouter(m.upstreams)
	if err != nil {
		return nil, fmt.Errorf("failed to compile routes: %w", err)
	}
	m.router = router

	log.Info("Upstream registry initialized", "upstreams", len(m.upstreams))
	return m, nil
}

// Resolve routes a repository path to an upstream and returns the
// client to use for it. Unhealthy upstreams are still returned: requests
// fail fast rather than silently shifting elsewhere.
func (m *Manager) Resolve(repository string) (*Resolution, *Client, error) {
	res, err := m.router.Resolve(repository)
	if err != nil {
		return nil, nil, err
	}
	return res, m.clients[res.Upstream.Name], nil
}

// Client returns the client for a named upstream, or nil.
func (m *Manager) Client(name string) *Client {
	return m.clients[name]
}

// Upstreams returns the configured upstreams in name order.
func (m *Manager) Upstreams() []*Upstream {
	out := make([]*Upstream, len(m.upstreams))
	copy(out, m.upstreams)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthReport is the admin view of one upstream's health.
type HealthReport struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Enabled     bool   `json:"enabled"`
	Health
}

// HealthSnapshot returns the current health of every upstream.
func (m *Manager) HealthSnapshot() []HealthReport {
	reports := make([]HealthReport, 0, len(m.upstreams))
	for _, u := range m.Upstreams() {
		reports = append(reports, HealthReport{
			Name:        u.Name,
			DisplayName: u.DisplayName,
			Enabled:     u.Enabled,
			Health:      m.clients[u.Name].Health(),
		})
	}
	return reports
}

// RunHealthChecks pings every enabled upstream on a fixed interval
// until the context is cancelled.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, u := range m.upstreams {
				if !u.Enabled {
					continue
				}
				client := m.clients[u.Name]
				checkCtx, cancel := context.WithTimeout(ctx, connectTimeout)
				if err := client.Ping(checkCtx); err != nil {
					log.Warn("Upstream health check failed", "upstream", u.Name, "error", err)
				}
				cancel()
			}
		}
	}
}
