// Package browser provides the headless-browser rung of the fetch
// ladder: a lazily started Chrome instance that renders JavaScript-only
// pages and returns their final HTML.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"spechound/internal/logging"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url"`
	Launch              []string `json:"launch"`
	Headless            bool     `json:"headless"`
	ViewportWidth       int      `json:"viewport_width"`
	ViewportHeight      int      `json:"viewport_height"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms"`
	IdleSettleMs        int      `json:"idle_settle_ms"`
	UserAgent           string   `json:"user_agent"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
		IdleSettleMs:        800,
	}
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// IdleSettle returns how long to wait after load for late JS rendering.
func (c Config) IdleSettle() time.Duration {
	if c.IdleSettleMs == 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(c.IdleSettleMs) * time.Millisecond
}

// RenderResult is the outcome of one rendered fetch.
type RenderResult struct {
	HTML       string
	FinalURL   string
	Title      string
	StatusCode int
}

// SessionManager owns the detached Chrome instance. It starts the
// browser on first use and reconnects if the connection goes stale.
type SessionManager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
}

// NewSessionManager creates a new session manager. The browser is not
// launched until the first FetchRendered call.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{cfg: cfg}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *SessionManager) startLocked(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.Browser("Stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		launch := launcher.New().Headless(m.cfg.Headless)
		if len(m.cfg.Launch) > 0 {
			launch = launch.Bin(m.cfg.Launch[0])
			for _, rawFlag := range m.cfg.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					launch = launch.Set(flags.Flag(name), val)
				} else {
					launch = launch.Set(flags.Flag(name))
				}
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("failed to launch browser: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser at %s: %w", controlURL, err)
	}
	m.browser = browser
	logging.Browser("Browser session ready (headless=%v)", m.cfg.Headless)
	return nil
}

// FetchRendered navigates a fresh page, waits for load plus a short
// settle window, and returns the rendered HTML.
func (m *SessionManager) FetchRendered(ctx context.Context, url string) (RenderResult, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "FetchRendered "+url)
	defer timer.Stop()

	m.mu.Lock()
	if err := m.startLocked(ctx); err != nil {
		m.mu.Unlock()
		return RenderResult{}, err
	}
	browser := m.browser
	m.mu.Unlock()

	sessionID := uuid.NewString()
	logging.BrowserDebug("Session %s: navigating %s", sessionID, url)

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return RenderResult{}, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if m.cfg.UserAgent != "" {
		_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: m.cfg.UserAgent})
	}
	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		_ = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  m.cfg.ViewportWidth,
			Height: m.cfg.ViewportHeight,
		})
	}

	var statusCode int
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			statusCode = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Navigate(url); err != nil {
		return RenderResult{}, fmt.Errorf("navigation failed for %s: %w", url, err)
	}
	wait()
	if err := page.WaitLoad(); err != nil {
		return RenderResult{}, fmt.Errorf("page load failed for %s: %w", url, err)
	}

	// Late-hydrating SPAs paint after load; give them a settle window.
	select {
	case <-time.After(m.cfg.IdleSettle()):
	case <-ctx.Done():
		return RenderResult{}, ctx.Err()
	}

	html, err := page.HTML()
	if err != nil {
		return RenderResult{}, fmt.Errorf("failed to read rendered HTML: %w", err)
	}

	info, err := page.Info()
	finalURL := url
	title := ""
	if err == nil && info != nil {
		finalURL = info.URL
		title = info.Title
	}

	logging.BrowserDebug("Session %s: rendered %d bytes, status %d", sessionID, len(html), statusCode)
	return RenderResult{HTML: html, FinalURL: finalURL, Title: title, StatusCode: statusCode}, nil
}

// Shutdown closes the browser if it was started.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil
	}
	err := m.browser.Close()
	m.browser = nil
	logging.Browser("Browser session closed")
	return err
}
