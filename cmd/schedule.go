package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/schedules"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage monitoring schedules",
	}
	cmd.AddCommand(newScheduleCreateCmd())
	cmd.AddCommand(newScheduleListCmd())
	cmd.AddCommand(newScheduleCancelCmd())
	return cmd
}

func newScheduleCreateCmd() *cobra.Command {
	var (
		owner          string
		name           string
		target         string
		monitorFrom    string
		leadMinutes    int
		priority       string
		pollIntervalMS int
		maxDuration    time.Duration
		concurrency    int
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule that starts monitoring ahead of a target time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(cfg.TargetTimezone)
			if err != nil {
				return fmt.Errorf("TARGET_TIMEZONE: %w", err)
			}

			targetAt, err := parseWhen(target, loc)
			if err != nil {
				return fmt.Errorf("invalid --target: %w", err)
			}
			from := targetAt.Add(-time.Duration(leadMinutes) * time.Minute)
			if monitorFrom != "" {
				if from, err = parseWhen(monitorFrom, loc); err != nil {
					return fmt.Errorf("invalid --monitor-from: %w", err)
				}
			}

			s := schedules.Schedule{
				OwnerChatID:  owner,
				Name:         name,
				TargetAt:     targetAt.UTC(),
				MonitorFrom:  from.UTC(),
				PriorityTags: schedules.ParseTags(priority),
				PollInterval: time.Duration(pollIntervalMS) * time.Millisecond,
				MaxDuration:  maxDuration,
				Concurrency:  concurrency,
			}
			if err := s.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			d, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			id, err := schedules.NewRepo(d).Create(ctx, s)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created schedule id=%d target_utc=%s monitor_from_utc=%s\n",
				id, s.TargetAt.Format(time.RFC3339), s.MonitorFrom.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&owner, "owner", "", "owner chat id (receives notifications)")
	c.Flags().StringVar(&name, "name", "", "schedule name")
	c.Flags().StringVar(&target, "target", "", "target time, RFC3339 or \"YYYY-MM-DD HH:MM\" in TARGET_TIMEZONE")
	c.Flags().StringVar(&monitorFrom, "monitor-from", "", "when monitoring starts (default: target minus --lead-minutes)")
	c.Flags().IntVar(&leadMinutes, "lead-minutes", 5, "start monitoring N minutes before the target")
	c.Flags().StringVar(&priority, "priority", "", "comma-separated location tags booked first")
	c.Flags().IntVar(&pollIntervalMS, "poll-interval-ms", 0, "poll interval in ms (0: POLL_INTERVAL)")
	c.Flags().DurationVar(&maxDuration, "max-duration", 0, "monitoring budget (0: POLL_MAX_DURATION)")
	c.Flags().IntVar(&concurrency, "concurrency", 0, "parallel accounts per batch (0: BATCH_CONCURRENCY)")

	_ = c.MarkFlagRequired("owner")
	_ = c.MarkFlagRequired("name")
	_ = c.MarkFlagRequired("target")
	return c
}

func newScheduleListCmd() *cobra.Command {
	var owner string
	c := &cobra.Command{
		Use:   "list",
		Short: "List schedules, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			ss, err := schedules.NewRepo(d).List(ctx, owner)
			if err != nil {
				return err
			}
			for _, s := range ss {
				line := fmt.Sprintf("id=%d owner=%s name=%q status=%s target=%s monitor_from=%s priority=%s",
					s.ID, s.OwnerChatID, s.Name, s.Status,
					s.TargetAt.Format(time.RFC3339), s.MonitorFrom.Format(time.RFC3339),
					strings.Join(s.PriorityTags, ","))
				if s.LastError != nil {
					line += fmt.Sprintf(" last_error=%q", *s.LastError)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	c.Flags().StringVar(&owner, "owner", "", "only this owner's schedules")
	return c
}

func newScheduleCancelCmd() *cobra.Command {
	var id int64
	c := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a schedule that has not started monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := schedules.NewRepo(d).Cancel(ctx, id); err != nil {
				return fmt.Errorf("cancel schedule %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled schedule id=%d\n", id)
			return nil
		},
	}
	c.Flags().Int64Var(&id, "id", 0, "schedule id")
	_ = c.MarkFlagRequired("id")
	return c
}

// parseWhen accepts RFC3339 or a wall-clock time in loc.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD HH:MM, got %q", s)
	}
	return t, nil
}
