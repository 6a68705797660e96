// Package handlers implements the read-only ops HTTP surface: health,
// metrics, the log level and blueprint inspection.
//
// Handlers report failures through c.Error; middleware.ErrorHandler renders
// them.
package handlers

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/provider"
)

// BlueprintReader is the part of the blueprint manager the handlers read.
type BlueprintReader interface {
	List(ctx context.Context, typ string) ([]blueprint.Summary, error)
	Document(ctx context.Context, id string) (*blueprint.Document, error)
}

// HealthReporter reports the last infrastructure probe results.
type HealthReporter interface {
	Snapshot() []*provider.InfraHealth
}

// Pinger checks a backing service, typically the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the ops endpoints.
type Server struct {
	blueprints BlueprintReader
	health     HealthReporter
	db         Pinger
	types      []string
	metrics    http.Handler
	logLevel   http.Handler
}

// ServerDeps holds the dependencies of a Server. Health and DB are optional.
type ServerDeps struct {
	Blueprints BlueprintReader
	Health     HealthReporter
	DB         Pinger
	// Types are the registered blueprint type tags.
	Types    []string
	Gatherer prometheus.Gatherer
	LogLevel http.Handler
}

// NewServer creates a Server.
func NewServer(deps ServerDeps) *Server {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		blueprints: deps.Blueprints,
		health:     deps.Health,
		db:         deps.DB,
		types:      deps.Types,
		metrics:    promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logLevel:   deps.LogLevel,
	}
}
