package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/internal/wire"
	appErrors "github.com/noah-isme/space-intake-api/pkg/errors"
)

// PublishMetrics receives delivery outcomes from the pool.
type PublishMetrics interface {
	RecordPublishFailure()
	ObserveRelayPublish(duration time.Duration)
}

// Pool hands out one Client per relay URL. It is constructed once at
// startup and passed into the components that publish, so tests can swap
// in doubles.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	logger  *zap.Logger
	metrics PublishMetrics
}

// NewPool builds an empty pool.
func NewPool(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{clients: make(map[string]*Client), logger: logger}
}

// SetMetrics attaches a metrics sink. Call before the pool is shared.
func (p *Pool) SetMetrics(m PublishMetrics) {
	p.metrics = m
}

// Get returns the client for a URL, creating it on first use.
func (p *Pool) Get(url string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[url]; ok {
		return c
	}
	c := NewClient(url, p.logger)
	p.clients[url] = c
	return c
}

// Publish sends the event to every relay concurrently. Partial delivery
// counts as success; an error is returned only when every relay failed,
// summarizing each failure.
func (p *Pool) Publish(ctx context.Context, relays []string, ev *wire.Event) error {
	if len(relays) == 0 {
		return fmt.Errorf("publish: no relays given")
	}

	start := time.Now()
	errs := make([]error, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			errs[i] = p.Get(url).Publish(ctx, ev)
		}(i, url)
	}
	wg.Wait()

	var failures []string
	for i, err := range errs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%v (%s)", err, relays[i]))
			p.logger.Warn("publish failed", zap.String("relay", relays[i]), zap.Error(err))
		}
	}
	if len(failures) == len(relays) {
		if p.metrics != nil {
			p.metrics.RecordPublishFailure()
		}
		return fmt.Errorf("%w: %s", appErrors.ErrPublishFailed, strings.Join(failures, "; "))
	}
	if p.metrics != nil {
		p.metrics.ObserveRelayPublish(time.Since(start))
	}
	return nil
}

// Fetch runs the same one-shot request against every relay and merges
// the results. Individual relay failures are logged and skipped.
func (p *Pool) Fetch(ctx context.Context, relays []string, filter wire.Filter) ([]wire.Event, error) {
	results := make([][]wire.Event, len(relays))
	var wg sync.WaitGroup
	for i, url := range relays {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			events, err := p.Get(url).Request(ctx, filter)
			if err != nil {
				p.logger.Warn("fetch failed", zap.String("relay", url), zap.Error(err))
				return
			}
			results[i] = events
		}(i, url)
	}
	wg.Wait()

	var merged []wire.Event
	for _, events := range results {
		merged = append(merged, events...)
	}
	return merged, nil
}

// Close tears down every client connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
}
