// Package plugin defines the module contract and lifecycle registry that
// esplink is composed from. Each feature area (access control, relay,
// journal) is a Module wired together at startup by cmd/esplink.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Route represents an HTTP route exposed by a module. Routes are mounted
// by the server under /api/v1/{module}{path}.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Deps carries the shared infrastructure handed to every module at Init.
// Config is the module's own subtree of the application configuration.
type Deps struct {
	Config *viper.Viper
	Logger *zap.Logger
	Store  Store
	Bus    EventBus
}

// Module defines the interface that all esplink modules must implement.
type Module interface {
	// Name returns the module's unique identifier (e.g., "access", "relay").
	Name() string

	// Version returns the module's semantic version.
	Version() string

	// Init initializes the module with its dependencies.
	Init(deps Deps) error

	// Start begins the module's background operations.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the module.
	Stop() error

	// Routes returns the HTTP routes this module exposes.
	Routes() []Route
}

// Store is the persistence surface modules share. Volatile modules may
// ignore it entirely.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, moduleName string, migrations []Migration) error
}

// Migration is one versioned schema step owned by a module.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Event is a message published on the in-process bus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// EventHandler processes a single event. Handlers run synchronously on
// Publish and must not block for long.
type EventHandler func(ctx context.Context, e Event)

// EventBus is the in-process pub/sub surface modules communicate over.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(ctx context.Context, event Event)
	Subscribe(topic string, h EventHandler) func()
	SubscribeAll(h EventHandler) func()
}
