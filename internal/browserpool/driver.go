package browserpool

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// Driver is the browser automation boundary a worker owns for its entire
// lifetime. A worker creates one Driver at startup and reuses it across
// every request it serves.
type Driver interface {
	Navigate(ctx context.Context, req domain.FetchRequest) (html, finalURL string, status int, err error)
	Close() error
}

// DriverConfig configures the browser context shared by all pages a Driver
// opens.
type DriverConfig struct {
	Headless    bool
	UserAgent   string
	Locale      string
	Timezone    string
	ViewportW   int
	ViewportH   int
	BlockImages bool
	BlockFonts  bool
	BlockMedia  bool
	SettleDelay time.Duration
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; ZenScraperBot/1.0)"
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.ViewportW == 0 {
		c.ViewportW = 1920
	}
	if c.ViewportH == 0 {
		c.ViewportH = 1080
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = time.Second
	}
	return c
}

// blockedResourceTypes maps the DriverConfig defaults, OR-combined with the
// per-request domain.RenderOpts flags (a request can add blocking but not
// lift it), to rod's resource type enum for page-level request routing.
func (c DriverConfig) blockedResourceTypes(render domain.RenderOpts) []proto.NetworkResourceType {
	var out []proto.NetworkResourceType
	if c.BlockImages || render.BlockImages {
		out = append(out, proto.NetworkResourceTypeImage)
	}
	if c.BlockFonts || render.BlockFonts {
		out = append(out, proto.NetworkResourceTypeFont)
	}
	if c.BlockMedia || render.BlockMedia {
		out = append(out, proto.NetworkResourceTypeMedia)
	}
	return out
}

// rodDriver is the stealth-hardened go-rod implementation of Driver,
// grounded on the pack's headless-scraper reference (go-rod/rod +
// go-rod/stealth).
type rodDriver struct {
	cfg     DriverConfig
	launch  *launcher.Launcher
	browser *rod.Browser
}

// NewRodDriver launches a fresh browser process and returns a Driver bound
// to it. Workers call this once at startup.
func NewRodDriver(cfg DriverConfig) (Driver, error) {
	cfg = cfg.withDefaults()

	l := launcher.New().
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("op=browserpool.driver.launch: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("op=browserpool.driver.connect: %w", err)
	}

	return &rodDriver{cfg: cfg, launch: l, browser: browser}, nil
}

// Navigate serves one request: a fresh
// page in the shared browser, DOM-content-loaded navigation plus a fixed
// settle delay, and unconditional page close.
func (d *rodDriver) Navigate(ctx context.Context, req domain.FetchRequest) (html, finalURL string, status int, err error) {
	page, err := stealth.Page(d.browser)
	if err != nil {
		return "", req.URL, 0, fmt.Errorf("op=browserpool.driver.page: %w", err)
	}
	defer page.Close()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	page = page.Context(ctx).Timeout(timeout)
	render := req.RenderOpts

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  d.cfg.ViewportW,
		Height: d.cfg.ViewportH,
	}); err != nil {
		return "", req.URL, 0, fmt.Errorf("op=browserpool.driver.viewport: %w", err)
	}

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      d.cfg.UserAgent,
		AcceptLanguage: d.cfg.Locale,
	}); err != nil {
		return "", req.URL, 0, fmt.Errorf("op=browserpool.driver.useragent: %w", err)
	}
	// Timezone pinning is best effort; some headless builds reject it.
	_ = proto.EmulationSetTimezoneOverride{TimezoneID: d.cfg.Timezone}.Call(page)

	if blocked := d.cfg.blockedResourceTypes(render); len(blocked) > 0 {
		blockedSet := make(map[proto.NetworkResourceType]struct{}, len(blocked))
		for _, rt := range blocked {
			blockedSet[rt] = struct{}{}
		}
		router := page.HijackRequests()
		router.MustAdd("*", func(h *rod.Hijack) {
			if _, drop := blockedSet[h.Request.Type()]; drop {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
			h.ContinueRequest(&proto.FetchContinueRequest{})
		})
		go router.Run()
		defer router.Stop()
	}

	var respStatus int
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) (stop bool) {
		if e.Type == proto.NetworkResourceTypeDocument {
			respStatus = e.Response.Status
			return true
		}
		return false
	})

	if err := page.Navigate(req.URL); err != nil {
		return "", req.URL, 0, fmt.Errorf("op=browserpool.driver.navigate: %w", err)
	}
	wait()

	if err := page.WaitDOMStable(d.cfg.SettleDelay, 0); err != nil {
		// Best-effort settle; a slow but otherwise successful load still
		// yields usable content.
	}

	content, err := page.HTML()
	if err != nil {
		return "", req.URL, respStatus, fmt.Errorf("op=browserpool.driver.html: %w", err)
	}

	info, err := page.Info()
	finalURL = req.URL
	if err == nil && info != nil {
		finalURL = info.URL
	}
	if respStatus == 0 {
		respStatus = 200
	}
	return content, finalURL, respStatus, nil
}

// Close shuts down the browser and its launcher process.
func (d *rodDriver) Close() error {
	err := d.browser.Close()
	d.launch.Cleanup()
	return err
}
