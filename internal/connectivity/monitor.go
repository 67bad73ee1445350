// Package connectivity tells the offline queue when the clinic API becomes
// reachable or unreachable.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	cfg "github.com/evilmartians/clinicsync/config"
)

// Listener gets every change of the connectivity state.
type Listener func(online bool)

// Monitor probes the API periodically. Any HTTP response counts as online,
// only a failure to get a response counts as offline.
type Monitor struct {
	client   *http.Client
	probeURL string
	interval time.Duration
	listener Listener

	mu    sync.Mutex
	known bool
	state bool
}

func NewMonitor(config *cfg.Config, client *http.Client, listener Listener) (*Monitor, error) {
	base, err := url.Parse(config.API.BaseURL)
	if err != nil {
		return nil, err
	}

	probe := *base
	probe.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(config.Connectivity.ProbePath, "/")

	log.WithFields(log.Fields{
		"probe_url": probe.String(),
		"interval":  config.Connectivity.ProbeInterval,
	}).Info("Initializing connectivity monitor")

	return &Monitor{
		client:   client,
		probeURL: probe.String(),
		interval: config.Connectivity.ProbeInterval,
		listener: listener,
	}, nil
}

// Run probes right away and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and notifies the listener if the state changed. The
// first result is always delivered.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	if ctx.Err() != nil {
		// A probe cut short by shutdown says nothing about the network.
		return online
	}

	m.mu.Lock()
	changed := !m.known || m.state != online
	m.known = true
	m.state = online
	m.mu.Unlock()

	if changed {
		log.WithField("online", online).Info("connectivity state")
		if m.listener != nil {
			m.listener(online)
		}
	}

	return online
}

// Online returns the last probed state, false before the first probe.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.known && m.state
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		log.WithError(err).Error("probe request")
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.WithError(err).Debug("probe failed")
		return false
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return true
}
