package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Probe answers a single question: can we currently reach upstream?
type Probe interface {
	Check(ctx context.Context) bool
}

// DialProbe checks connectivity by opening a TCP connection to the
// transport endpoint.
type DialProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProbe) Check(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Watcher polls the probe and feeds observations into the gate.
type Watcher struct {
	gate     *Gate
	probe    Probe
	interval time.Duration
	logger   *slog.Logger
}

func NewWatcher(gate *Gate, probe Probe, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{gate: gate, probe: probe, interval: interval, logger: logger}
}

// Run starts the polling loop and blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Initial observation
	w.observe(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.observe(ctx)
		}
	}
}

func (w *Watcher) observe(ctx context.Context) {
	online := w.probe.Check(ctx)
	if online != w.gate.IsOnline() {
		w.logger.Info("connectivity transition", "online", online)
	}
	w.gate.Set(online)
}
