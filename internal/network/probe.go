// Package network answers whether outbound connectivity is usable.
package network

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// DialFunc opens a connection; it matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe checks reachability by TCP connecting to well-known hosts.
type Probe struct {
	hosts   []string
	timeout time.Duration
	dial    DialFunc
	logger  zerolog.Logger
}

// NewProbe creates a probe over host:port addresses. Each connect is bounded by timeout.
func NewProbe(hosts []string, timeout time.Duration, logger zerolog.Logger) *Probe {
	d := &net.Dialer{}
	return &Probe{
		hosts:   append([]string(nil), hosts...),
		timeout: timeout,
		dial:    d.DialContext,
		logger:  logger.With().Str("component", "network_probe").Logger(),
	}
}

// SetDialer replaces the dial function.
func (p *Probe) SetDialer(dial DialFunc) {
	p.dial = dial
}

// IsNetworkAvailable dials every host in parallel and returns true as soon
// as one connects. It returns false only when every dial failed or timed out.
func (p *Probe) IsNetworkAvailable(ctx context.Context) bool {
	if len(p.hosts) == 0 {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan bool, len(p.hosts))
	for _, host := range p.hosts {
		go func(host string) {
			results <- p.dialOne(ctx, host)
		}(host)
	}

	for range p.hosts {
		if <-results {
			// Remaining dials are cancelled by the deferred cancel.
			return true
		}
	}

	p.logger.Warn().Strs("hosts", p.hosts).Msg("network unavailable: all probes failed")
	return false
}

func (p *Probe) dialOne(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", host)
	if err != nil {
		p.logger.Debug().Err(err).Str("host", host).Msg("probe failed")
		return false
	}
	conn.Close()

	p.logger.Debug().Str("host", host).Dur("latency", time.Since(start)).Msg("probe succeeded")
	return true
}
