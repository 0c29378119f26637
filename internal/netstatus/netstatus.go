package netstatus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Provider publishes connectivity transitions. Events carries the new state after every change.
type Provider interface {
	Online() bool
	Events() <-chan bool
}

// Manual is a provider driven by explicit calls, e.g. the device client reporting its radio state.
type Manual struct {
	mu     sync.Mutex
	online bool
	events chan bool
}

func NewManual(online bool) *Manual {
	return &Manual{online: online, events: make(chan bool, 8)}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Events() <-chan bool {
	return m.events
}

// Set records the state and emits an event only when it changed. When nobody keeps up with
// the events the oldest one is dropped, so the newest state always gets through.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	select {
	case m.events <- online:
	default:
		select {
		case <-m.events:
		default:
		}
		m.events <- online
	}
}

// Prober polls the backend health endpoint and reports transitions through a Manual.
type Prober struct {
	*Manual
	url      string
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	check    func(url string, timeout time.Duration) bool
}

func NewProber(baseURL string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		Manual:   NewManual(false),
		url:      strings.TrimRight(baseURL, "/") + "/health",
		interval: interval,
		timeout:  3 * time.Second,
		logger:   logger,
		check:    reachable,
	}
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

func (p *Prober) probe() {
	up := p.check(p.url, p.timeout)
	if up != p.Online() {
		p.logger.Info("connectivity changed", "online", up)
	}
	p.Set(up)
}

func reachable(url string, timeout time.Duration) bool {
	agent := fiber.Get(url).Timeout(timeout)
	code, _, errs := agent.Bytes()
	return len(errs) == 0 && code >= 200 && code < 500
}
