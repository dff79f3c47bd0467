// Package captcha produces solved challenge tokens for generation calls,
// either through a resident Chrome instance or an external solving API.
package captcha

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	log "github.com/sirupsen/logrus"

	"github.com/yuunie/flow2api/internal/config"
)

// Tab is a single browser tab able to run scripts in the page.
type Tab interface {
	Eval(ctx context.Context, js string) (string, error)
	Close() error
}

// Browser owns a shared Chrome process and hands out tabs on demand.
type Browser interface {
	OpenTab(ctx context.Context, url string) (Tab, error)
	Cookie(name string) (string, error)
	Close() error
}

type rodBrowser struct {
	cfg config.CaptchaConfig

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowser returns a lazily launched Chrome wrapper. The process starts on
// the first OpenTab call so API-solver deployments never spawn Chrome.
func NewBrowser(cfg config.CaptchaConfig) Browser {
	return &rodBrowser{cfg: cfg}
}

func (b *rodBrowser) ensure() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	log.Infof("captcha: launching browser (user data dir: %s, headless: %v)", b.cfg.UserDataDir, b.cfg.Headless)
	l := launcher.New().
		Headless(b.cfg.Headless).
		NoSandbox(true).
		UserDataDir(b.cfg.UserDataDir).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("window-size", "1280,720")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("captcha: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("captcha: connect browser: %w", err)
	}
	b.browser = browser
	return browser, nil
}

func (b *rodBrowser) OpenTab(ctx context.Context, url string) (Tab, error) {
	browser, err := b.ensure()
	if err != nil {
		return nil, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("captcha: open tab: %w", err)
	}
	return &rodTab{page: page}, nil
}

// Cookie reads a cookie from the shared browser jar. labs.google refreshes
// the session cookie on every page load, so a resident tab keeps the jar
// current.
func (b *rodBrowser) Cookie(name string) (string, error) {
	b.mu.Lock()
	browser := b.browser
	b.mu.Unlock()
	if browser == nil {
		return "", fmt.Errorf("captcha: browser not running")
	}

	cookies, err := browser.GetCookies()
	if err != nil {
		return "", fmt.Errorf("captcha: read cookies: %w", err)
	}
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("captcha: cookie %q not found", name)
}

func (b *rodBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

type rodTab struct {
	page *rod.Page
}

func (t *rodTab) Eval(ctx context.Context, js string) (string, error) {
	obj, err := t.page.Context(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	if obj.Value.Nil() {
		return "", nil
	}
	return obj.Value.String(), nil
}

func (t *rodTab) Close() error {
	return t.page.Close()
}
