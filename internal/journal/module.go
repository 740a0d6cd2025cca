package journal

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/pkg/models"
)

// recordedPrefixes are the bus topic namespaces the journal persists.
var recordedPrefixes = []string{"access.", "relay."}

// Module subscribes to the event bus and records traffic events. It also
// prunes old rows on a fixed interval when retention is configured.
type Module struct {
	logger *zap.Logger
	repo   *repository

	retention  time.Duration
	pruneEvery time.Duration

	unsubscribe func()
	stopPrune   context.CancelFunc
	pruneDone   chan struct{}
}

// New creates the journal module.
func New() *Module {
	return &Module{}
}

func (m *Module) Name() string    { return "journal" }
func (m *Module) Version() string { return "1.0.0" }

// Init runs the schema migration and reads retention settings.
func (m *Module) Init(deps plugin.Deps) error {
	m.logger = deps.Logger
	m.repo = &repository{store: deps.Store}

	if err := deps.Store.Migrate(context.Background(), m.Name(), migrations); err != nil {
		return err
	}

	m.retention = deps.Config.GetDuration("retention")
	m.pruneEvery = deps.Config.GetDuration("prune_interval")
	if m.pruneEvery <= 0 {
		m.pruneEvery = time.Hour
	}

	m.unsubscribe = deps.Bus.SubscribeAll(m.record)

	m.logger.Info("journal initialized",
		zap.Duration("retention", m.retention),
	)
	return nil
}

// Start launches the retention prune loop when a retention is set.
func (m *Module) Start(ctx context.Context) error {
	if m.retention <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.stopPrune = cancel
	m.pruneDone = make(chan struct{})

	go func() {
		defer close(m.pruneDone)
		ticker := time.NewTicker(m.pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-m.retention)
				n, err := m.repo.prune(ctx, cutoff)
				if err != nil {
					m.logger.Error("prune failed", zap.Error(err))
					continue
				}
				if n > 0 {
					m.logger.Info("pruned traffic events", zap.Int64("removed", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop unsubscribes from the bus and halts the prune loop.
func (m *Module) Stop() error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.stopPrune != nil {
		m.stopPrune()
		<-m.pruneDone
	}
	return nil
}

// record is the bus handler. Only events in the recorded namespaces that
// carry a TrafficEvent payload are persisted; everything else is ignored.
func (m *Module) record(ctx context.Context, e plugin.Event) {
	if !recorded(e.Topic) {
		return
	}
	payload, ok := e.Payload.(*models.TrafficEvent)
	if !ok {
		return
	}
	if err := m.repo.insert(ctx, payload); err != nil {
		m.logger.Error("record traffic event",
			zap.String("topic", e.Topic),
			zap.Error(err),
		)
	}
}

func recorded(topic string) bool {
	for _, p := range recordedPrefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}
