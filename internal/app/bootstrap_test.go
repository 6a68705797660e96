package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/blueprints/vmchain"
	"nfvcl.io/nfvcl/internal/config"
	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

func memoryConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, HealthInterval: time.Minute},
		Database: config.DatabaseConfig{Memory: true},
		Log:      config.LogConfig{Level: "error", Format: "json"},
		Worker:   config.WorkerConfig{LifecyclePoolSize: 4, ProviderPoolSize: 4},
		K8s:      config.K8sConfig{OperationTimeout: time.Minute, HelmTimeout: time.Minute},
		Remote:   config.RemoteConfig{InsecureIgnoreHostKey: true, PDUTypes: []string{"ueransim"}},
		Topology: config.TopologyConfig{
			VIMs: []domain.VIM{{Name: "lab", Type: domain.VIMTypeMock, Areas: []int{1}}},
			PDUs: []domain.PDU{{Name: "gnb-1", Type: "ueransim", Area: 1}},
		},
	}
}

func TestBootstrap_NoDB(t *testing.T) {
	// Bootstrap without a real database should fail at DB connection.
	cfg := memoryConfig()
	cfg.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     65432, // Non-existent port
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
		MaxConns: 5,
		MinConns: 1,
	}

	ctx := context.Background()
	app, err := Bootstrap(ctx, cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app, "Application should be nil on bootstrap failure")
}

func TestBootstrap_InMemory(t *testing.T) {
	ctx := context.Background()
	app, err := Bootstrap(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	require.NoError(t, app.Start(ctx))

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/blueprint-types", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), vmchain.Type)
}

func TestBootstrap_AsyncCreateThroughPool(t *testing.T) {
	ctx := context.Background()
	app, err := Bootstrap(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)

	body := json.RawMessage(`{"area":1,"network":{"name":"n","cidr":"10.0.0.0/24"},"vms":[{"name":"a"}]}`)
	id, err := app.Manager().CreateAsync(ctx, vmchain.Type, body)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := app.Manager().Document(ctx, id)
		return err == nil && len(doc.RegisteredResources) == 3 && doc.Status.Phase == blueprint.PhaseIdle
	}, 5*time.Second, 20*time.Millisecond)

	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/blueprints/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var doc blueprint.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.False(t, doc.Status.Error)
}

func TestApplication_Shutdown_Nil(t *testing.T) {
	// Shutdown on empty application should not panic.
	app := &Application{}

	assert.NotPanics(t, func() {
		app.Shutdown()
	}, "Shutdown on empty Application should not panic")
}
