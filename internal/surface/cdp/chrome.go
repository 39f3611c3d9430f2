// Package cdp drives a live Chrome instance over the DevTools protocol and
// exposes it as an application surface. One driver owns one browser process
// and one tab; snapshots come from an injected extraction script, mutations
// from dispatched browser actions. The in-memory htmlpage driver mirrors
// this package's semantics for offline use.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kallaxis/waldo-cli/internal/config"
	"github.com/kallaxis/waldo-cli/internal/surface"
)

// Fallbacks for timeouts the config leaves unset.
const (
	defaultNavigationTimeout = 30 * time.Second
	defaultOpTimeout         = 10 * time.Second
	launchProbeTimeout       = 30 * time.Second
	closeGracePeriod         = 10 * time.Second
)

// Chrome implements surface.Surface against a real browser.
type Chrome struct {
	cfg  config.SurfaceConfig
	log  *zap.Logger
	base *url.URL

	// allocCtx manages the browser process; sessionCtx is the tab derived
	// from it. Every operation context is combined from sessionCtx plus the
	// caller's context.
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	sessionCtx    context.Context
	sessionCancel context.CancelFunc

	navTimeout time.Duration
	opTimeout  time.Duration

	// seq orders snapshots. The live page mutates outside the driver's
	// sight, so captures are counted instead of mutations.
	seq atomic.Uint64

	mu     sync.Mutex
	closed bool
}

var _ surface.Surface = (*Chrome)(nil)

// New launches a browser process, probes that it responds, and loads the
// configured base URL. The caller owns the returned driver and must Close
// it; the passed context bounds startup and, when cancelled, tears the
// browser down.
func New(ctx context.Context, cfg config.SurfaceConfig, logger *zap.Logger) (*Chrome, error) {
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("surface base URL must not be empty")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q needs a scheme and host", cfg.BaseURL)
	}

	c := &Chrome{
		cfg:        cfg,
		log:        logger.Named("chrome"),
		base:       base,
		navTimeout: cfg.NavigationTimeout,
		opTimeout:  cfg.OpTimeout,
	}
	if c.navTimeout <= 0 {
		c.navTimeout = defaultNavigationTimeout
	}
	if c.opTimeout <= 0 {
		c.opTimeout = defaultOpTimeout
	}

	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(ctx, buildAllocatorOptions(cfg)...)
	c.sessionCtx, c.sessionCancel = chromedp.NewContext(c.allocCtx)

	// Confirm the browser actually starts before handing the driver out.
	probeCtx, cancelProbe := context.WithTimeout(c.sessionCtx, launchProbeTimeout)
	err = chromedp.Run(probeCtx, chromedp.Navigate("about:blank"))
	cancelProbe()
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	if err := c.navigateTo(ctx, base.String()); err != nil {
		c.teardown()
		return nil, fmt.Errorf("failed to open %q: %w", base.String(), err)
	}

	c.log.Info("Chrome surface ready.",
		zap.String("base_url", base.String()),
		zap.Bool("headless", cfg.Headless))
	return c, nil
}

// buildAllocatorOptions translates surface config into chromedp allocator
// options. The sandbox and /dev/shm flags keep Chrome alive in containers
// and are harmless elsewhere. Custom args accept both bare flags and
// key=value pairs.
func buildAllocatorOptions(cfg config.SurfaceConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		// Later options win, so this overrides the headless default.
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
	)

	for _, arg := range cfg.ChromeArgs {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// teardown releases browser resources after a failed startup.
func (c *Chrome) teardown() {
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
}

// combineContext derives a context from primary, which carries the CDP
// target, that is additionally cancelled when secondary is. chromedp only
// accepts contexts from its own chain, so the caller's context cannot be
// passed through directly.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// run executes browser actions against the tab under a per-operation
// timeout, honoring the caller's context.
func (c *Chrome) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return surface.ErrSurfaceClosed
	}
	sessionCtx := c.sessionCtx
	c.mu.Unlock()

	combined, cancel := combineContext(sessionCtx, ctx)
	defer cancel()
	opCtx, cancelOp := context.WithTimeout(combined, timeout)
	defer cancelOp()

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case sessionCtx.Err() != nil:
		return surface.ErrSurfaceClosed
	case opCtx.Err() == context.DeadlineExceeded:
		return fmt.Errorf("browser operation timed out after %v: %w", timeout, opCtx.Err())
	}
	return err
}

// Location reports the current route, relative to the base URL.
func (c *Chrome) Location(ctx context.Context) (string, error) {
	var raw string
	if err := c.run(ctx, c.opTimeout, chromedp.Location(&raw)); err != nil {
		return "", err
	}
	return c.relativeLocation(raw), nil
}

// relativeLocation strips the base origin so the engine sees app routes
// rather than full URLs. Foreign origins are reported whole.
func (c *Chrome) relativeLocation(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Scheme != c.base.Scheme || u.Host != c.base.Host {
		return raw
	}
	loc := u.Path
	if loc == "" {
		loc = "/"
	}
	if u.RawQuery != "" {
		loc += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		loc += "#" + u.Fragment
	}
	return loc
}

// Navigate loads a route resolved against the base URL and waits for the
// document to become ready.
func (c *Chrome) Navigate(ctx context.Context, route string) error {
	target, err := c.resolveRoute(route)
	if err != nil {
		return err
	}
	c.log.Debug("Navigating.", zap.String("url", target))
	return c.navigateTo(ctx, target)
}

func (c *Chrome) navigateTo(ctx context.Context, absURL string) error {
	return c.run(ctx, c.navTimeout,
		chromedp.Navigate(absURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// resolveRoute resolves an app route against the configured base. Absolute
// URLs pass through so callers can leave the app deliberately.
func (c *Chrome) resolveRoute(route string) (string, error) {
	if route == "" {
		return c.base.String(), nil
	}
	ref, err := url.Parse(route)
	if err != nil {
		return "", fmt.Errorf("invalid route %q: %w", route, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// Back performs one step of history navigation. A fresh tab has no entry
// to return to; that is a no-op, matching the in-memory driver.
func (c *Chrome) Back(ctx context.Context) error {
	err := c.run(ctx, c.navTimeout, chromedp.NavigateBack())
	if err != nil && strings.Contains(err.Error(), "invalid navigation entry") {
		return nil
	}
	return err
}

// Close shuts the tab and the browser process down. Safe to call more than
// once; the surface is unusable afterwards.
func (c *Chrome) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.sessionCancel != nil {
		c.sessionCancel()
		select {
		case <-c.sessionCtx.Done():
		case <-time.After(closeGracePeriod):
			c.log.Warn("Timed out waiting for the browser tab to close.")
		}
	}
	if c.allocCancel != nil {
		c.allocCancel()
		select {
		case <-c.allocCtx.Done():
		case <-time.After(closeGracePeriod):
			c.log.Warn("Timed out waiting for the browser process to exit.")
		}
	}
	c.log.Debug("Chrome surface closed.")
	return nil
}
