package accesscontrol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/esplink/internal/plugin"
	"github.com/HerbHall/esplink/pkg/models"
)

// Module wraps the Manager as an esplink module: it seeds the manager's
// configuration from the config file, exposes the HTTP boundary, and runs
// the cleanup sweep on a fixed interval. The manager never owns a timer;
// the module is the external scheduler the sweep contract asks for.
type Module struct {
	logger  *zap.Logger
	bus     plugin.EventBus
	manager *Manager

	cleanupEvery time.Duration
	stopCleanup  context.CancelFunc
	cleanupDone  chan struct{}
}

// New creates the access control module.
func New() *Module {
	return &Module{}
}

func (m *Module) Name() string    { return "access" }
func (m *Module) Version() string { return "1.0.0" }

// Init seeds the manager from configuration. The config values are only a
// starting point; PATCH /config mutates them at runtime.
func (m *Module) Init(deps plugin.Deps) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	cfg := Config{
		MaxRegistrationAttempts: deps.Config.GetInt("max_registration_attempts"),
		RegistrationCooldown:    deps.Config.GetDuration("registration_cooldown"),
		TokenExpiry:             deps.Config.GetDuration("token_expiry"),
		RequireUniqueAddresses:  deps.Config.GetBool("require_unique_addresses"),
		EnableWhitelist:         deps.Config.GetBool("enable_whitelist"),
	}
	m.manager = NewManager(cfg)

	m.cleanupEvery = deps.Config.GetDuration("cleanup_interval")
	if m.cleanupEvery <= 0 {
		m.cleanupEvery = time.Hour
	}

	m.logger.Info("access control initialized",
		zap.Int("max_registration_attempts", cfg.MaxRegistrationAttempts),
		zap.Duration("registration_cooldown", cfg.RegistrationCooldown),
		zap.Duration("token_expiry", cfg.TokenExpiry),
		zap.Bool("require_unique_addresses", cfg.RequireUniqueAddresses),
		zap.Bool("enable_whitelist", cfg.EnableWhitelist),
	)
	return nil
}

// Start launches the periodic cleanup sweep.
func (m *Module) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.stopCleanup = cancel
	m.cleanupDone = make(chan struct{})

	go func() {
		defer close(m.cleanupDone)
		ticker := time.NewTicker(m.cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.manager.Cleanup()
				m.logger.Debug("cleanup sweep completed")
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.Info("access control started", zap.Duration("cleanup_interval", m.cleanupEvery))
	return nil
}

// Stop halts the cleanup sweep.
func (m *Module) Stop() error {
	if m.stopCleanup != nil {
		m.stopCleanup()
		<-m.cleanupDone
	}
	return nil
}

// Manager exposes the underlying manager to sibling modules (the relay
// resolves device endpoints through it).
func (m *Module) Manager() *Manager {
	return m.manager
}

// Device delegates to the manager. The delegation is resolved at call
// time, so the module can be handed to the relay before Init has run.
func (m *Module) Device(deviceID string) (*models.DeviceRecord, bool) {
	return m.manager.Device(deviceID)
}

// IsAuthorized delegates to the manager.
func (m *Module) IsAuthorized(deviceID string) bool {
	return m.manager.IsAuthorized(deviceID)
}
