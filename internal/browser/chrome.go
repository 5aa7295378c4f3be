// internal/browser/chrome.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"

	"github.com/valpere/crawlguard/internal/antidetect"
)

// ChromeNavigator drives headless Chrome through chromedp. Every session
// gets its own browser process so proxy, user agent and cookies are isolated.
type ChromeNavigator struct {
	config Config
	pacer  *antidetect.Pacer
}

// NewChromeNavigator creates a Chrome navigator. pacer may be nil.
func NewChromeNavigator(config Config, pacer *antidetect.Pacer) *ChromeNavigator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &ChromeNavigator{config: config, pacer: pacer}
}

func (n *ChromeNavigator) Name() string { return "chrome" }

// Open starts a browser for the identity and applies fingerprint emulation.
func (n *ChromeNavigator) Open(ctx context.Context, id Identity) (Handle, error) {
	fp := id.Fingerprint

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.UserAgent(fp.UserAgent),
		chromedp.WindowSize(fp.Screen.Width, fp.Screen.AvailHeight),
		chromedp.Flag("lang", fp.Locale),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if !n.config.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if n.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(n.config.ExecPath))
	}
	if n.config.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	if id.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(id.Proxy.Scheme+"://"+id.Proxy.Host))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	h := &chromeHandle{
		navigator:   n,
		identity:    id,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}

	setup := []chromedp.Action{
		chromedp.EmulateViewport(int64(fp.Viewport.Width), int64(fp.Viewport.Height)),
		emulation.SetTimezoneOverride(fp.Timezone),
		emulation.SetLocaleOverride().WithLocale(fp.Locale),
		emulation.SetGeolocationOverride().
			WithLatitude(fp.Geo.Latitude).
			WithLongitude(fp.Geo.Longitude).
			WithAccuracy(fp.Geo.Accuracy),
	}

	if id.Proxy != nil && id.Proxy.User != nil {
		username := id.Proxy.User.Username()
		password, _ := id.Proxy.User.Password()
		chromedp.ListenTarget(tabCtx, func(ev interface{}) {
			switch e := ev.(type) {
			case *fetch.EventAuthRequired:
				go func() {
					_ = chromedp.Run(tabCtx, fetch.ContinueWithAuth(e.RequestID, &fetch.AuthChallengeResponse{
						Response: fetch.AuthChallengeResponseResponseProvideCredentials,
						Username: username,
						Password: password,
					}))
				}()
			case *fetch.EventRequestPaused:
				go func() {
					_ = chromedp.Run(tabCtx, fetch.ContinueRequest(e.RequestID))
				}()
			}
		})
		setup = append(setup, fetch.Enable().WithHandleAuthRequests(true))
	}

	startCtx, cancel := context.WithTimeout(tabCtx, n.config.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(startCtx, setup...); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to start browser for session %s: %w", id.SessionID, err)
	}
	return h, nil
}

type chromeHandle struct {
	navigator   *ChromeNavigator
	identity    Identity
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
}

func (h *chromeHandle) Navigate(ctx context.Context, target string) Page {
	cfg := h.navigator.config
	return attempt(ctx, h.identity.Site, target, cfg, h.navigator.pacer, func(fetchCtx context.Context) (int, string, error) {
		// The tab context owns the browser; bridge the caller's deadline into it.
		runCtx, cancel := context.WithCancel(h.tabCtx)
		defer cancel()
		stop := context.AfterFunc(fetchCtx, cancel)
		defer stop()

		resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(target))
		if err != nil {
			if fetchCtx.Err() != nil {
				return 0, "", fetchCtx.Err()
			}
			return 0, "", err
		}

		var html string
		if err := chromedp.Run(runCtx,
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		); err != nil {
			if fetchCtx.Err() != nil {
				return 0, "", fetchCtx.Err()
			}
			return 0, "", fmt.Errorf("failed to read document: %w", err)
		}

		status := 0
		if resp != nil {
			status = int(resp.Status)
		}
		return status, html, nil
	})
}

func (h *chromeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.tabCancel()
		h.allocCancel()
	})
	return nil
}

// New builds the navigator selected by config.Mode.
func New(config Config, pacer *antidetect.Pacer) (Navigator, error) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	switch config.Mode {
	case "", "http":
		return NewHTTPNavigator(config, pacer), nil
	case "chrome":
		return NewChromeNavigator(config, pacer), nil
	default:
		return nil, fmt.Errorf("unknown navigator mode %q", config.Mode)
	}
}
