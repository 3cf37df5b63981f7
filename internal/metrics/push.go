package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends every registered metric to a Prometheus Pushgateway under job,
// grouped by chain. The backfill commands are short-lived, so they push once
// at exit instead of serving /metrics. An empty url is a no-op.
func Push(ctx context.Context, url, job, chain string, g prometheus.Gatherer) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	p := push.New(url, job).Gatherer(g)
	if chain != "" {
		p = p.Grouping("chain", chain)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
