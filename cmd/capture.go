package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/example/slotwatch/internal/browser"
	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/log"
	"github.com/example/slotwatch/internal/prober"
	"github.com/spf13/cobra"
)

func newCaptureCmd() *cobra.Command {
	var pageURL string
	c := &cobra.Command{
		Use:   "capture",
		Short: "Discover the availability endpoint once and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if pageURL == "" {
				pageURL = cfg.CapturePageURL
			}
			if pageURL == "" {
				return fmt.Errorf("CAPTURE_PAGE_URL or --page-url is required")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			l := log.WithComponent("prober")
			p := &prober.Prober{
				Watcher: prober.ChromeWatcher{
					Options: browser.Options{Headless: cfg.Headless, ChromePath: cfg.ChromePath},
					Logger:  l,
				},
				PageURL:        pageURL,
				Marker:         cfg.CaptureMarker,
				AttemptTimeout: cfg.CaptureAttemptTimeout,
				Logger:         l,
			}
			u, err := p.Capture(ctx, cfg.CaptureRetries, cfg.CaptureRetryDelay)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	c.Flags().StringVar(&pageURL, "page-url", "", "page to load (default CAPTURE_PAGE_URL)")
	return c
}
