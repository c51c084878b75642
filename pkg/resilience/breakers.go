package resilience

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"orca/pkg/metrics"
)

// Breakers keeps one circuit breaker per host, created on first use.
type Breakers struct {
	config CircuitBreakerConfig
	log    *zap.Logger

	mu     sync.Mutex
	byHost map[string]*CircuitBreaker
}

func NewBreakers(config CircuitBreakerConfig, log *zap.Logger) *Breakers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Breakers{
		config: config,
		log:    log,
		byHost: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker guarding host.
func (b *Breakers) For(host string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byHost[host]
	if !ok {
		cb = newCircuitBreaker(host, b.config, b.stateChanged)
		b.byHost[host] = cb
		metrics.BreakerState.WithLabelValues(host).Set(float64(CircuitClosed))
	}
	return cb
}

func (b *Breakers) stateChanged(host string, from, to CircuitState) {
	metrics.BreakerState.WithLabelValues(host).Set(float64(to))
	b.log.Warn("circuit breaker state changed",
		zap.String("host", host),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Snapshot returns the metrics of every known breaker ordered by host.
func (b *Breakers) Snapshot() []map[string]interface{} {
	b.mu.Lock()
	hosts := make([]string, 0, len(b.byHost))
	for h := range b.byHost {
		hosts = append(hosts, h)
	}
	b.mu.Unlock()

	sort.Strings(hosts)
	out := make([]map[string]interface{}, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, b.For(h).Metrics())
	}
	return out
}
