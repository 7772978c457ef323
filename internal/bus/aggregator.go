package bus

import (
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/swarmgate/internal/metrics"
)

// Aggregator subscribes to every finding shard, deduplicates by finding id,
// and republishes a logically unified view on findings.all for components
// that need the whole picture. Components consuming shards directly are
// unaffected.
type Aggregator struct {
	bus      Bus
	receiver *Receiver
	seen     *lru.Cache[string, struct{}]
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sub      Subscription
}

// NewAggregator creates the aggregation tier. dedupeCap bounds the id cache.
func NewAggregator(b Bus, receiver *Receiver, dedupeCap int, m *metrics.Metrics, logger *slog.Logger) (*Aggregator, error) {
	seen, err := lru.New[string, struct{}](dedupeCap)
	if err != nil {
		return nil, err
	}
	return &Aggregator{bus: b, receiver: receiver, seen: seen, metrics: m, logger: logger}, nil
}

// Start subscribes across all shards. Republished findings keep their
// original payload bytes so signatures stay valid.
func (a *Aggregator) Start() error {
	sub, err := a.bus.Subscribe(FindingWildcard(), a.handle)
	if err != nil {
		return err
	}
	a.sub = sub
	a.logger.Info("Aggregation tier started", "pattern", FindingWildcard())
	return nil
}

// Stop tears down the shard subscription.
func (a *Aggregator) Stop() {
	if a.sub != nil {
		a.sub.Unsubscribe()
		a.sub = nil
	}
}

func (a *Aggregator) handle(subject string, data []byte) {
	if subject == SubjectFindingsAll {
		return // never reprocess our own output
	}
	f, err := a.receiver.DecodeFinding(subject, data)
	if err != nil {
		return // rejection already recorded by the receiver
	}
	if found, _ := a.seen.ContainsOrAdd(f.ID, struct{}{}); found {
		if a.metrics != nil {
			a.metrics.AggregatorDupesTotal.Inc()
		}
		return
	}
	if err := a.bus.Publish(SubjectFindingsAll, data); err != nil {
		a.logger.Warn("Failed to republish finding on unified view",
			"finding_id", f.ID, "error", err)
	}
}
