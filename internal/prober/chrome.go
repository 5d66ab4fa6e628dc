package prober

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/example/slotwatch/internal/browser"
	"github.com/rs/zerolog"
)

// ChromeWatcher loads the page in a throwaway headless browser and listens
// to every network response.
type ChromeWatcher struct {
	Options browser.Options
	Logger  zerolog.Logger
}

func (w ChromeWatcher) Watch(ctx context.Context, pageURL, marker string) (string, error) {
	sess, err := browser.Launch(ctx, w.Options, "", w.Logger)
	if err != nil {
		return "", err
	}
	defer func() { _ = sess.Close() }()

	found := make(chan string, 1)
	chromedp.ListenTarget(sess.Context(), func(ev any) {
		e, ok := ev.(*network.EventResponseReceived)
		if !ok || e.Response == nil {
			return
		}
		if strings.Contains(e.Response.URL, marker) {
			select {
			case found <- e.Response.URL:
			default:
			}
		}
	})

	navErr := make(chan error, 1)
	go func() {
		navErr <- chromedp.Run(sess.Context(), network.Enable(), chromedp.Navigate(pageURL))
	}()

	for {
		select {
		case u := <-found:
			return u, nil
		case err := <-navErr:
			if err != nil {
				return "", fmt.Errorf("prober: navigate: %w", err)
			}
			// page loaded; the API call may still be in flight
			navErr = nil
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrNoMatch, ctx.Err())
		}
	}
}
