package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/devserver/internal/upstream"
)

// Probe reports whether a TCP connection to the upstream can be opened
// within timeout. The backend behind the proxy has no agreed health
// endpoint, so reachability is all that is checked.
func Probe(ctx context.Context, u *upstream.Upstream, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// HealthCheck probes the upstream once right away and then every interval
// until ctx is cancelled or the upstream is retired. Status changes are logged and passed to onChange,
// which may be nil.
func HealthCheck(
	ctx context.Context,
	u *upstream.Upstream,
	interval time.Duration,
	timeout time.Duration,
	logger *slog.Logger,
	onChange func(u *upstream.Upstream, healthy bool),
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		healthy := Probe(ctx, u, timeout)
		if ctx.Err() != nil {
			return
		}
		if !u.SetHealthy(healthy) {
			return
		}

		if healthy {
			logger.Info("Upstream is back up",
				slog.String("upstream", u.Origin()))
		} else {
			logger.Warn("Upstream is down",
				slog.String("upstream", u.Origin()))
		}
		if onChange != nil {
			onChange(u, healthy)
		}
	}

	check()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Health check stopped",
				slog.String("upstream", u.Origin()))
			return

		case <-u.Done():
			logger.Debug("Upstream retired, health check stopped",
				slog.String("upstream", u.Origin()))
			return

		case <-ticker.C:
			check()
		}
	}
}

func hostPort(u *upstream.Upstream) string {
	host := u.URL().Host
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if u.URL().Scheme == "https" {
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "80")
}
