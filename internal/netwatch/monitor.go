// Package netwatch tracks whether the network is reachable so that network
// tile sources are not tried while offline.
package netwatch

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Reachability interface {
	Reachable() bool
}

// Static is a fixed answer, for tests and for disabling probing.
type Static bool

func (s Static) Reachable() bool {
	return bool(s)
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Monitor dials a TCP address periodically. It starts out reachable.
type Monitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	log      *zap.Logger

	reachable atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

func NewMonitor(addr string, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	var d net.Dialer
	m := &Monitor{
		addr:     addr,
		interval: interval,
		timeout:  3 * time.Second,
		dial:     d.DialContext,
		log:      log,
	}
	m.reachable.Store(true)
	return m
}

// WithDialer replaces the dialer used by checks.
func (m *Monitor) WithDialer(dial DialFunc) *Monitor {
	m.dial = dial
	return m
}

func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// OnChange registers fn to be called after every reachability transition.
func (m *Monitor) OnChange(fn func(reachable bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set records a reachability change reported from outside.
func (m *Monitor) Set(reachable bool) {
	if m.reachable.Swap(reachable) == reachable {
		return
	}

	m.log.Info("Network reachability changed", zap.Bool("reachable", reachable))

	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(reachable)
	}
}

// Check dials the address once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.log.Debug("Network check failed", zap.String("addr", m.addr), zap.Error(err))
		m.Set(false)
		return false
	}
	conn.Close()
	m.Set(true)
	return true
}

// Run checks until ctx is cancelled.
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
