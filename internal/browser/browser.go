// Package browser implements the harvest page surface on top of a headless
// Chrome instance driven through the DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"

	"github.com/preisradar/preisradar/internal/harvest"
	"github.com/preisradar/preisradar/pkg/logger"
)

// Config holds browser driver configuration.
type Config struct {
	UserAgent  string
	Headless   bool
	RateLimit  int // navigations per second across all pages
	NavTimeout time.Duration
}

// DefaultConfig returns a driver configuration suitable for production
// harvesting.
func DefaultConfig() Config {
	return Config{
		UserAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Headless:   true,
		RateLimit:  1,
		NavTimeout: 60 * time.Second,
	}
}

// Driver owns one Chrome process and hands out tabs as harvest pages. All
// tabs share one rate limiter so concurrent crawls stay polite.
type Driver struct {
	cfg      Config
	allocCtx context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
	log      *logger.Logger
}

// NewDriver starts the Chrome allocator. Close must be called to shut the
// browser down.
func NewDriver(cfg Config, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Default()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 60 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Driver{
		cfg:      cfg,
		allocCtx: allocCtx,
		cancel:   cancel,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		log:      log.WithComponent("browser"),
	}
}

// Close shuts the browser process down.
func (d *Driver) Close() {
	d.cancel()
}

// NewPage opens a fresh tab. The tab is torn down when the release func is
// called or when ctx is cancelled, whichever happens first.
func (d *Driver) NewPage(ctx context.Context) (harvest.Page, func(), error) {
	tabCtx, cancelTab := chromedp.NewContext(d.allocCtx)

	// Start the tab eagerly so failures surface here, not mid-harvest.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		return nil, func() {}, fmt.Errorf("start browser tab: %w", err)
	}

	// The tab lives under the allocator context; tie it to the caller's
	// context so cancelling a crawl closes its tab.
	go func() {
		select {
		case <-ctx.Done():
			cancelTab()
		case <-tabCtx.Done():
		}
	}()

	p := &page{
		drv: d,
		tab: tabCtx,
		log: d.log,
	}
	return p, cancelTab, nil
}

// page is one Chrome tab.
type page struct {
	drv *Driver
	tab context.Context
	log *logger.Logger
}

func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(p.tab, actions...)
}

func (p *page) Navigate(ctx context.Context, url string) error {
	if err := p.drv.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	navCtx, cancel := context.WithTimeout(p.tab, p.drv.cfg.NavTimeout)
	defer cancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		// Consent managers and the first lazy batch render shortly after
		// document-ready.
		chromedp.Sleep(3*time.Second),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// DismissOverlays locates a visible consent control whose text matches one of
// the keywords, tags it, and clicks it through the input domain so synthetic
// click detection in consent managers does not filter it out.
func (p *page) DismissOverlays(ctx context.Context, keywords []string) (bool, error) {
	script := fmt.Sprintf(`
		(function() {
			var keywords = %s;
			var candidates = document.querySelectorAll('button, a, [role="button"]');
			for (var i = 0; i < candidates.length; i++) {
				var el = candidates[i];
				if (el.offsetParent === null) continue;
				var text = (el.innerText || '').toLowerCase();
				for (var k = 0; k < keywords.length; k++) {
					if (text.indexOf(keywords[k]) !== -1) {
						el.setAttribute('data-pr-consent', '1');
						return true;
					}
				}
			}
			return false;
		})()
	`, jsStringArray(keywords))

	var found bool
	if err := p.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return false, fmt.Errorf("scan for consent overlay: %w", err)
	}
	if !found {
		return false, nil
	}

	var nodes []*cdp.Node
	if err := p.run(ctx,
		chromedp.Nodes(`[data-pr-consent]`, &nodes, chromedp.ByQueryAll),
	); err != nil {
		return false, fmt.Errorf("resolve consent control: %w", err)
	}
	if len(nodes) == 0 {
		return false, nil
	}

	if err := p.run(ctx,
		chromedp.MouseClickNode(nodes[0]),
		chromedp.Sleep(time.Second),
	); err != nil {
		return false, fmt.Errorf("click consent control: %w", err)
	}
	return true, nil
}

func (p *page) ScrollBy(ctx context.Context, delta int) error {
	return p.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`window.scrollBy(0, %d); undefined`, delta), nil))
}

func (p *page) ScrollTo(ctx context.Context, pos int) error {
	return p.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`window.scrollTo(0, %d); undefined`, pos), nil))
}

func (p *page) ScrollHeight(ctx context.Context) (int, error) {
	var height int
	err := p.run(ctx, chromedp.Evaluate(
		`document.body ? document.body.scrollHeight : 0`, &height))
	return height, err
}

func (p *page) ScrollPosition(ctx context.Context) (int, error) {
	var pos int
	err := p.run(ctx, chromedp.Evaluate(`Math.round(window.scrollY)`, &pos))
	return pos, err
}

func (p *page) Count(ctx context.Context, locator string) (int, error) {
	var count int
	err := p.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(locator)), &count))
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", locator, err)
	}
	return count, nil
}

func (p *page) Text(ctx context.Context, container string, index int, field string) (string, error) {
	script := fmt.Sprintf(`
		(function() {
			var c = document.querySelectorAll(%s)[%d];
			if (!c) return '';
			var e = c.querySelector(%s);
			return e ? (e.innerText || e.textContent || '').trim() : '';
		})()
	`, jsString(container), index, jsString(field))

	var text string
	if err := p.run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("text %s[%d] %s: %w", container, index, field, err)
	}
	return text, nil
}

func (p *page) Attribute(ctx context.Context, container string, index int, field, attr string) (string, error) {
	script := fmt.Sprintf(`
		(function() {
			var c = document.querySelectorAll(%s)[%d];
			if (!c) return '';
			var e = c.querySelector(%s);
			if (!e) return '';
			return e.getAttribute(%s) || '';
		})()
	`, jsString(container), index, jsString(field), jsString(attr))

	var value string
	if err := p.run(ctx, chromedp.Evaluate(script, &value)); err != nil {
		return "", fmt.Errorf("attribute %s[%d] %s@%s: %w", container, index, field, attr, err)
	}
	return value, nil
}

// jsString quotes a Go string as a JS string literal. Locators carry quotes
// of both kinds, so interpolation without quoting is not safe.
func jsString(s string) string {
	return strconv.Quote(s)
}

func jsStringArray(items []string) string {
	out := "["
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += jsString(item)
	}
	return out + "]"
}
