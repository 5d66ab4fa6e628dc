package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/slotwatch/internal/accounts"
	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/browser"
	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/crypto"
	"github.com/example/slotwatch/internal/executor"
	"github.com/example/slotwatch/internal/log"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/orchestrator"
	"github.com/example/slotwatch/internal/poller"
	"github.com/example/slotwatch/internal/pool"
	"github.com/example/slotwatch/internal/prober"
	"github.com/example/slotwatch/internal/scheduler"
	"github.com/example/slotwatch/internal/schedules"
	"github.com/example/slotwatch/internal/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the scheduler, poller, booking orchestrator and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}
			logger := log.Base()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer d.Close()

			sealer, err := crypto.New(cfg.SealKey)
			if err != nil {
				return fmt.Errorf("seal key: %w", err)
			}
			scheduleRepo := schedules.NewRepo(d)
			accountRepo := accounts.NewRepo(d, sealer)

			if n, err := scheduleRepo.RecoverInterrupted(ctx); err != nil {
				return err
			} else if n > 0 {
				logger.Warn().Int64("count", n).Msg("reset schedules interrupted by a previous shutdown")
			}

			loc, err := time.LoadLocation(cfg.TargetTimezone)
			if err != nil {
				return fmt.Errorf("TARGET_TIMEZONE: %w", err)
			}
			browserOpts := browser.Options{Headless: cfg.Headless, ChromePath: cfg.ChromePath}

			sink := notifier(cfg)

			prb := &prober.Prober{
				Watcher:        prober.ChromeWatcher{Options: browserOpts, Logger: log.WithComponent("prober")},
				PageURL:        cfg.CapturePageURL,
				Marker:         cfg.CaptureMarker,
				AttemptTimeout: cfg.CaptureAttemptTimeout,
				Logger:         log.WithComponent("prober"),
			}
			fetcher := poller.NewHTTPFetcher(poller.Fields{
				ID:       cfg.RecordIDField,
				Start:    cfg.RecordStartField,
				Location: cfg.RecordPlaceField,
			}, loc)
			pl := poller.New(poller.Config{
				Fetcher:           fetcher,
				Capturer:          prb,
				CaptureRetries:    cfg.CaptureRetries,
				RecaptureRetries:  cfg.RecaptureRetries,
				CaptureRetryDelay: cfg.CaptureRetryDelay,
				StopWait:          cfg.PollStopWait,
				Logger:            log.WithComponent("poller"),
			})

			slots := pool.New(cfg.PoolSize,
				pool.WithDisplayBase(cfg.DisplayBase),
				pool.WithLogger(log.WithComponent("pool")),
			)
			factory := browser.Factory{Options: browserOpts, Logger: log.WithComponent("browser")}
			orch := orchestrator.New(orchestrator.Config{
				Pool: slots,
				Browsers: func(ctx context.Context, slot pool.Slot) (orchestrator.Browser, error) {
					s, err := factory.Open(ctx, slot)
					if err != nil {
						return nil, err
					}
					return s, nil
				},
				Executor:    &executor.Flow{Steps: cfg.Flow, Notifier: sink, Logger: log.WithComponent("executor")},
				Notifier:    sink,
				SlotRetries: cfg.SlotRetries,
				TaskTimeout: cfg.TaskTimeout,
				Logger:      log.WithComponent("orchestrator"),
			})

			sch := &scheduler.Scheduler{
				Schedules: scheduleRepo,
				Accounts:  accountRepo,
				Poller:    pl,
				Batches:   orch,
				Notifier:  sink,
				Defaults: schedules.Defaults{
					PollInterval:     cfg.PollInterval,
					MaxDuration:      cfg.PollMaxDuration,
					StopOnFirstMatch: cfg.StopOnFirstMatch,
					Concurrency:      cfg.BatchConcurrency,
				},
				Interval:  cfg.SchedulerInterval,
				Lookahead: cfg.Lookahead,
				Logger:    log.WithComponent("scheduler"),
			}

			ws := &web.Server{
				Auth:     auth.NewStore(cfg.CookieHashKey, cfg.CookieBlockKey, cfg.AdminUsername, cfg.AdminPasswordHash),
				Poller:   pl,
				Sessions: sch,
				Batches:  orch,
				Logger:   log.WithComponent("web"),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return web.Start(gctx, cfg.ListenAddr, ws.Routes(), log.WithComponent("web")) })
			g.Go(func() error { return sch.Run(gctx) })
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Msg("shut down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

// notifier fans out to Telegram (or the log when no bot is configured) and
// the optional operator mailbox.
func notifier(cfg config.Config) notify.Sink {
	var primary notify.Sink = notify.LogSink{Logger: log.WithComponent("notify")}
	if cfg.TelegramToken != "" {
		primary = notify.NewTelegram(cfg.TelegramToken, cfg.TelegramAPIBase, log.WithComponent("telegram"))
	}
	sinks := notify.Multi{primary}
	if cfg.SendGridAPIKey != "" {
		sinks = append(sinks, notify.Email{
			APIKey: cfg.SendGridAPIKey,
			From:   cfg.AlertEmailFrom,
			To:     cfg.AlertEmailTo,
			Logger: log.WithComponent("email"),
		})
	}
	return sinks
}
