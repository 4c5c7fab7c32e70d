package pool

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"walletnet/internal/status"
)

// Probe pings every server concurrently, ignoring backoff.
// Results are in configured order.
func (p *Pool[C]) Probe(ctx context.Context) []ProbeResult {
	p.mu.Lock()
	servers := append([]*server[C](nil), p.servers...)
	p.mu.Unlock()
	return p.probe(ctx, servers)
}

func (p *Pool[C]) probe(ctx context.Context, servers []*server[C]) []ProbeResult {
	results := make([]ProbeResult, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		i, srv := i, srv
		g.Go(func() error {
			started := time.Now()
			err := p.try(gctx, srv)
			results[i] = ProbeResult{Endpoint: srv.endpoint, Latency: time.Since(started), Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Monitor probes every server whose backoff allows it on each tick and logs the pool status.
// It returns when ctx is done.
func (p *Pool[C]) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx, p.readyOrder())
			p.logCurrentStatus()
		}
	}
}

func (p *Pool[C]) logCurrentStatus() {
	var online, offline []string
	for _, r := range p.Records() {
		if r.Status == status.Online {
			online = append(online, fmt.Sprintf("%s(latency=%s)", r.Endpoint.Host(), r.LastLatency))
		} else {
			offline = append(offline, fmt.Sprintf("%s(failures=%d)", r.Endpoint.Host(), r.Failures))
		}
	}

	p.logger.Info().
		Str("status", p.Status().String()).
		Strs("online", online).
		Strs("offline", offline).
		Msg("servers status")
}
