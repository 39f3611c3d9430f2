package cdp

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/kallaxis/waldo-cli/internal/config"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testChrome builds a driver without a live browser. Only paths that fail
// before reaching the tab are exercised against it.
func testChrome(t *testing.T, baseURL string) *Chrome {
	t.Helper()
	base, err := url.Parse(baseURL)
	require.NoError(t, err)
	return &Chrome{
		log:        zaptest.NewLogger(t),
		base:       base,
		navTimeout: time.Second,
		opTimeout:  time.Second,
	}
}

func TestNewValidatesInputs(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, config.SurfaceConfig{BaseURL: "http://localhost:3000"}, nil)
	require.ErrorContains(t, err, "logger must not be nil")

	logger := zaptest.NewLogger(t)

	_, err = New(ctx, config.SurfaceConfig{}, logger)
	require.ErrorContains(t, err, "base URL must not be empty")

	_, err = New(ctx, config.SurfaceConfig{BaseURL: "://bad"}, logger)
	require.ErrorContains(t, err, "invalid base URL")

	_, err = New(ctx, config.SurfaceConfig{BaseURL: "localhost:3000/app"}, logger)
	require.ErrorContains(t, err, "needs a scheme and host")
}

func TestBuildAllocatorOptions(t *testing.T) {
	base := buildAllocatorOptions(config.SurfaceConfig{Headless: true})
	assert.Greater(t, len(base), len(chromedp.DefaultExecAllocatorOptions))

	withArgs := buildAllocatorOptions(config.SurfaceConfig{
		Headless:   true,
		ChromeArgs: []string{"no-zygote", "--remote-debugging-port=9222"},
	})
	assert.Equal(t, len(base)+2, len(withArgs), "each custom arg becomes exactly one option")
}

func TestResolveRoute(t *testing.T) {
	ch := testChrome(t, "http://localhost:3000")

	cases := []struct {
		name  string
		route string
		want  string
	}{
		{"rooted path", "/courses", "http://localhost:3000/courses"},
		{"empty means base", "", "http://localhost:3000"},
		{"relative with query", "courses?sort=new", "http://localhost:3000/courses?sort=new"},
		{"absolute passes through", "https://status.example.com/up", "https://status.example.com/up"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ch.resolveRoute(tc.route)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ch.resolveRoute("://broken")
	require.ErrorContains(t, err, "invalid route")
}

func TestRelativeLocation(t *testing.T) {
	ch := testChrome(t, "http://localhost:3000")

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"path with query and fragment", "http://localhost:3000/sessions?tab=live#top", "/sessions?tab=live#top"},
		{"origin only", "http://localhost:3000", "/"},
		{"root slash", "http://localhost:3000/", "/"},
		{"foreign host stays whole", "https://elsewhere.io/x", "https://elsewhere.io/x"},
		{"scheme mismatch stays whole", "https://localhost:3000/x", "https://localhost:3000/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ch.relativeLocation(tc.raw))
		})
	}
}

func TestCombineContext(t *testing.T) {
	type ctxKey string

	primary := context.WithValue(context.Background(), ctxKey("target"), "tab-1")
	secondary, cancelSecondary := context.WithCancel(context.Background())
	defer cancelSecondary()

	combined, cancel := combineContext(primary, secondary)
	defer cancel()

	assert.Equal(t, "tab-1", combined.Value(ctxKey("target")), "values ride in from the primary context")
	require.NoError(t, combined.Err())

	cancelSecondary()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context did not observe secondary cancellation")
	}
}

func TestClosedSurfaceRefusesEverything(t *testing.T) {
	ch := testChrome(t, "http://localhost:3000")
	ch.closed = true
	ctx := context.Background()

	ops := map[string]func() error{
		"snapshot": func() error { _, err := ch.Snapshot(ctx); return err },
		"location": func() error { _, err := ch.Location(ctx); return err },
		"navigate": func() error { return ch.Navigate(ctx, "/courses") },
		"back":     func() error { return ch.Back(ctx) },
		"click":    func() error { return ch.Click(ctx, surface.Exact("open-help")) },
		"fill":     func() error { return ch.Fill(ctx, surface.Exact("post-composer"), "hi", false) },
		"select":   func() error { return ch.SelectOption(ctx, surface.Exact("course-picker"), "Go") },
		"modal":    func() error { return ch.CloseModal(ctx) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, op(), surface.ErrSurfaceClosed)
		})
	}

	require.NoError(t, ch.Close(), "closing again is a no-op")
}

func TestRunHonorsCancelledContext(t *testing.T) {
	ch := testChrome(t, "http://localhost:3000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Snapshot(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, surface.ErrSurfaceClosed))
}
