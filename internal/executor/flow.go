// Package executor drives the booking flow of one account in its own browser.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/orchestrator"
	"github.com/rs/zerolog"
)

var (
	ErrNoOutcome = errors.New("executor: neither confirmation nor payment page appeared")
	ErrMisconfig = errors.New("executor: flow not configured")
)

const (
	matchToken     = "{match}"
	outcomePoll    = 500 * time.Millisecond
	defaultStepTTL = 2 * time.Minute
)

// Flow is a selector-driven chromedp booking flow.
type Flow struct {
	Steps    config.FlowConfig
	Notifier notify.Sink
	Logger   zerolog.Logger
}

// Validate reports missing site settings.
func (f *Flow) Validate() error {
	switch {
	case f.Steps.LoginURL == "":
		return fmt.Errorf("%w: FLOW_LOGIN_URL is empty", ErrMisconfig)
	case !strings.Contains(f.Steps.BookingURL, matchToken):
		return fmt.Errorf("%w: FLOW_BOOKING_URL must contain %s", ErrMisconfig, matchToken)
	case f.Steps.DoneSelector == "" && f.Steps.PaySelector == "":
		return fmt.Errorf("%w: need FLOW_DONE_SELECTOR or FLOW_PAY_SELECTOR", ErrMisconfig)
	}
	return nil
}

// BookingURL substitutes the escaped match id into the configured template.
func (f *Flow) BookingURL(matchID string) string {
	return strings.ReplaceAll(f.Steps.BookingURL, matchToken, url.PathEscape(matchID))
}

func (f *Flow) Execute(ctx context.Context, ec *orchestrator.ExecutionContext, acct orchestrator.Account, matchID string) (orchestrator.Outcome, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	l := f.Logger.With().Str("account", acct.Label).Str("slot", ec.Slot.ID).Str("match_id", matchID).Logger()

	tab, cancel := chromedp.NewContext(ec.Browser.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := f.step(tab, "login", f.login(acct)...); err != nil {
		return 0, err
	}
	l.Debug().Msg("logged in")

	if err := f.step(tab, "book",
		chromedp.Navigate(f.BookingURL(matchID)),
		chromedp.WaitVisible(f.Steps.BookSelector, chromedp.ByQuery),
		chromedp.Click(f.Steps.BookSelector, chromedp.ByQuery),
	); err != nil {
		return 0, err
	}

	out, err := f.awaitOutcome(tab, f.stepTimeout())
	if err != nil {
		return 0, withCause(ctx, err)
	}
	if out == orchestrator.OutcomeBooked {
		return out, nil
	}

	l.Info().Dur("wait", f.Steps.HandoffWait).Msg("payment page reached, holding browser for manual payment")
	if f.Notifier != nil && acct.Owner != "" {
		f.Notifier.Notify(context.WithoutCancel(ctx), acct.Owner, fmt.Sprintf(
			"%s: payment page is open on display %s, complete it within %s",
			acct.Label, ec.Slot.DisplayName(), f.Steps.HandoffWait))
	}
	return f.holdForPayment(tab, l), nil
}

func (f *Flow) login(acct orchestrator.Account) []chromedp.Action {
	return []chromedp.Action{
		chromedp.Navigate(f.Steps.LoginURL),
		chromedp.WaitVisible(f.Steps.UserSelector, chromedp.ByQuery),
		chromedp.SendKeys(f.Steps.UserSelector, acct.Login, chromedp.ByQuery),
		chromedp.SendKeys(f.Steps.SecretSelector, acct.Secret, chromedp.ByQuery),
		chromedp.Click(f.Steps.SubmitSelector, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
}

func (f *Flow) step(tab context.Context, name string, actions ...chromedp.Action) error {
	sctx, cancel := context.WithTimeout(tab, f.stepTimeout())
	defer cancel()
	if err := chromedp.Run(sctx, actions...); err != nil {
		return fmt.Errorf("executor: %s: %w", name, err)
	}
	return nil
}

func (f *Flow) stepTimeout() time.Duration {
	if f.Steps.StepTimeout > 0 {
		return f.Steps.StepTimeout
	}
	return defaultStepTTL
}

// awaitOutcome polls until the confirmation or the payment selector is present.
func (f *Flow) awaitOutcome(tab context.Context, within time.Duration) (orchestrator.Outcome, error) {
	wctx, cancel := context.WithTimeout(tab, within)
	defer cancel()

	t := time.NewTicker(outcomePoll)
	defer t.Stop()
	for {
		if f.Steps.DoneSelector != "" {
			ok, err := present(wctx, f.Steps.DoneSelector)
			if err != nil {
				return 0, fmt.Errorf("executor: outcome: %w", err)
			}
			if ok {
				return orchestrator.OutcomeBooked, nil
			}
		}
		if f.Steps.PaySelector != "" {
			ok, err := present(wctx, f.Steps.PaySelector)
			if err != nil {
				return 0, fmt.Errorf("executor: outcome: %w", err)
			}
			if ok {
				return orchestrator.OutcomeHandedOff, nil
			}
		}
		select {
		case <-wctx.Done():
			return 0, ErrNoOutcome
		case <-t.C:
		}
	}
}

// holdForPayment keeps the tab open until the user finishes paying, the
// hand-off window closes, or the task is cancelled.
func (f *Flow) holdForPayment(tab context.Context, l zerolog.Logger) orchestrator.Outcome {
	if f.Steps.HandoffWait <= 0 || f.Steps.DoneSelector == "" {
		return orchestrator.OutcomeHandedOff
	}
	out, err := f.awaitDone(tab, f.Steps.HandoffWait)
	if err != nil {
		l.Info().Err(err).Msg("hand-off window closed")
		return orchestrator.OutcomeHandedOff
	}
	return out
}

func (f *Flow) awaitDone(tab context.Context, within time.Duration) (orchestrator.Outcome, error) {
	wctx, cancel := context.WithTimeout(tab, within)
	defer cancel()
	t := time.NewTicker(outcomePoll)
	defer t.Stop()
	for {
		if ok, err := present(wctx, f.Steps.DoneSelector); err == nil && ok {
			return orchestrator.OutcomeBooked, nil
		}
		select {
		case <-wctx.Done():
			return 0, wctx.Err()
		case <-t.C:
		}
	}
}

func present(ctx context.Context, sel string) (bool, error) {
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	return len(nodes) > 0, nil
}

// withCause surfaces the task's own cancellation over a derived error.
func withCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
