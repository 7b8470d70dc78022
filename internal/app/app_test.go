package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintbot-021/flint-prod-sub003/internal/config"
	"github.com/flintbot-021/flint-prod-sub003/internal/di"
	"github.com/flintbot-021/flint-prod-sub003/internal/services"
)

// fakeServer 阻塞到 Shutdown 被调用
type fakeServer struct {
	listenErr error
	stopped   chan struct{}
	shutdowns int
}

func newFakeServer(listenErr error) *fakeServer {
	return &fakeServer{listenErr: listenErr, stopped: make(chan struct{})}
}

func (s *fakeServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stopped
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdowns++
	if s.listenErr == nil {
		close(s.stopped)
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:          "0",
		DataDir:       dir,
		LogDir:        filepath.Join(dir, "logs"),
		Locale:        "en-US",
		LLMProvider:   "anthropic",
		CacheCapacity: 16,
		CacheTTL:      time.Minute,
		AITimeout:     time.Second,
		SessionTTL:    time.Minute,
		SessionDB:     filepath.Join(dir, "sessions.db"),
	}
}

func TestInitServicesRegistersInDependencyOrder(t *testing.T) {
	container := di.NewContainer()
	require.NoError(t, InitServices(testConfig(t), container))

	a := newApp(container)
	t.Cleanup(a.cleanup)

	assert.Equal(t, []string{
		di.Logger, di.Metrics, di.Interpolator, di.FileStorage, di.SessionStore,
		di.Locks, di.AI, di.Campaigns, di.Sessions, di.WebSocket,
	}, container.RegistrationOrder())

	ai, err := di.Resolve[*services.AIService](container, di.AI)
	require.NoError(t, err)
	assert.False(t, ai.IsReady())

	_, err = di.Resolve[*services.SessionService](container, di.Sessions)
	assert.NoError(t, err)
}

func TestInitServicesRejectsBadSessionDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionDB = filepath.Join(cfg.DataDir, "missing", "dir", "sessions.db")

	err := InitServices(cfg, di.NewContainer())
	assert.ErrorContains(t, err, "open session store")
}

func TestInitializeBuildsRouter(t *testing.T) {
	a := newApp(di.NewContainer())
	t.Cleanup(a.cleanup)

	cfg := testConfig(t)
	require.NoError(t, a.Initialize(cfg))
	assert.Same(t, cfg, a.GetConfig())

	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunStopsOnSignal(t *testing.T) {
	a := newApp(di.NewContainer())
	a.config = testConfig(t)
	server := newFakeServer(nil)
	a.server = server

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 1, server.shutdowns)
	assert.Error(t, a.background.Err())
}

func TestRunReportsListenError(t *testing.T) {
	a := newApp(di.NewContainer())
	a.server = newFakeServer(errors.New("address in use"))

	err := a.Run()
	assert.ErrorContains(t, err, "address in use")
}

func TestRunRequiresInitialize(t *testing.T) {
	assert.Error(t, newApp(di.NewContainer()).Run())
}

func TestIsDebugMode(t *testing.T) {
	instanceMu.Lock()
	saved := instance
	instance = newApp(di.NewContainer())
	instance.config = &config.Config{DebugMode: true}
	instanceMu.Unlock()
	t.Cleanup(func() {
		instanceMu.Lock()
		instance = saved
		instanceMu.Unlock()
	})

	assert.True(t, IsDebugMode())
	assert.Same(t, instance.container, GetDIContainer())
}
