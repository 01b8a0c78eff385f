package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/config"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
	"github.com/JakeFAU/bilibili-notifier/internal/state"
)

type stubFetcher struct {
	kind  monitor.Kind
	items []monitor.ContentItem
}

func (s stubFetcher) Kind() monitor.Kind { return s.kind }

func (s stubFetcher) Fetch(context.Context, monitor.Account) ([]monitor.ContentItem, error) {
	return s.items, nil
}

type captureNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, _ monitor.Account, item monitor.ContentItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, item.ID)
	return nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		PollInterval: time.Hour,
		Users:        []config.UserConfig{{MID: 9, Name: "up"}},
		StateFile:    filepath.Join(t.TempDir(), "state.json"),
		State:        config.StateConfig{MaxIDsPerKind: 50},
		FirstRun:     "notify",
		Fetch: config.FetchConfig{
			Concurrency: 2,
			Timeout:     time.Second,
			PageSize:    10,
		},
		Server: config.ServerConfig{Enabled: true, Port: 0},
	}
}

func testOptions(n *captureNotifier) Options {
	video := monitor.ContentItem{Kind: monitor.KindVideo, ID: "BV1", Title: "hi"}
	return Options{
		Fetchers: map[monitor.Kind]monitor.Fetcher{
			monitor.KindVideo:   stubFetcher{kind: monitor.KindVideo, items: []monitor.ContentItem{video}},
			monitor.KindDynamic: stubFetcher{kind: monitor.KindDynamic},
			monitor.KindArticle: stubFetcher{kind: monitor.KindArticle},
		},
		Notifiers: []monitor.Notifier{n},
	}
}

func TestBuildAndRunOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	n := &captureNotifier{}
	a, err := Build(context.Background(), cfg, zap.NewNop(), testOptions(n))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.RunOnce(context.Background()))
	assert.Equal(t, []string{"BV1"}, n.sent)

	reloaded, err := state.Load(state.Options{Path: cfg.StateFile})
	require.NoError(t, err)
	assert.True(t, reloaded.IsKnown(9, monitor.KindVideo, "BV1"))
	assert.True(t, reloaded.HasBaseline(9, monitor.KindArticle))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.Enabled = false
	n := &captureNotifier{}
	a, err := Build(context.Background(), cfg, zap.NewNop(), testOptions(n))
	require.NoError(t, err)
	assert.Nil(t, a.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	require.NoError(t, a.Close())
}

func TestBuildFailsWithoutPollablePairs(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, zap.NewNop(), Options{
		Fetchers:  map[monitor.Kind]monitor.Fetcher{},
		Notifiers: []monitor.Notifier{},
	})
	require.Error(t, err)
}
