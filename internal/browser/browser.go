// Package browser launches isolated chromedp browsers.
package browser

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/example/slotwatch/internal/pool"
	"github.com/rs/zerolog"
)

// Options controls how browsers are launched.
type Options struct {
	Headless   bool
	ChromePath string
	UserAgent  string
}

const defaultUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// AllocatorOptions builds exec-allocator flags. display may be empty.
func (o Options) AllocatorOptions(display, userDataDir string) []chromedp.ExecAllocatorOption {
	ua := o.UserAgent
	if ua == "" {
		ua = defaultUA
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(ua),
	)
	if o.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(o.ChromePath))
	}
	if userDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(userDataDir))
	}
	if display != "" {
		opts = append(opts, chromedp.Env("DISPLAY="+display))
	}
	return opts
}

// Session is one running browser with its own profile directory.
type Session struct {
	ctx     context.Context
	cancel  func()
	dataDir string

	closeOnce sync.Once
	closeErr  error
}

// Launch starts a browser rendering into display. The returned session's
// context is cancelled when parent is cancelled or Close is called.
func Launch(parent context.Context, o Options, display string, logger zerolog.Logger) (*Session, error) {
	dir, err := os.MkdirTemp("", "slotwatch-profile-*")
	if err != nil {
		return nil, fmt.Errorf("browser: profile dir: %w", err)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, o.AllocatorOptions(display, dir)...)
	bctx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithErrorf(logger.Printf))

	// first Run starts the browser process
	if err := chromedp.Run(bctx); err != nil {
		cancelBrowser()
		cancelAlloc()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	return &Session{
		ctx: bctx,
		cancel: func() {
			cancelBrowser()
			cancelAlloc()
		},
		dataDir: dir,
	}, nil
}

func (s *Session) Context() context.Context { return s.ctx }

// Close stops the browser and removes its profile. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = os.RemoveAll(s.dataDir)
	})
	return s.closeErr
}

// Factory opens one browser per pool slot.
type Factory struct {
	Options Options
	Logger  zerolog.Logger
}

func (f Factory) Open(ctx context.Context, slot pool.Slot) (*Session, error) {
	l := f.Logger.With().Str("slot", slot.ID).Str("display", slot.DisplayName()).Logger()
	s, err := Launch(ctx, f.Options, slot.DisplayName(), l)
	if err != nil {
		return nil, err
	}
	l.Debug().Msg("browser started")
	return s, nil
}
