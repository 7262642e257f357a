// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by event type so operators only hear about what they opted into.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Alert event types raised by the engine.
const (
	EventFeedAuthFailed    = "feed_auth_failed"
	EventScheduleFailed    = "schedule_failed"
	EventTeardownAbandoned = "teardown_abandoned"
	EventSettlementError   = "settlement_error"
)

var titles = map[string]string{
	EventFeedAuthFailed:    "Feed authentication failed",
	EventScheduleFailed:    "Contract evaluation not scheduled",
	EventTeardownAbandoned: "Scheduler job teardown abandoned",
	EventSettlementError:   "Settlement error",
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every Sender. The zero value of events allows
// every event type.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier for senders. Only events listed in events are
// forwarded; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event would reach at least one sender.
func (n *Notifier) Enabled(event string) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Alert dispatches event in the background so callers on a hot path never
// wait on a chat API. Failures are logged.
func (n *Notifier) Alert(ctx context.Context, event, message string) {
	if !n.Enabled(event) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.Notify(sendCtx, event, message); err != nil {
			n.logger.Warn("alert delivery failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Notify sends event synchronously to every sender. One sender failing does
// not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, event, message string) error {
	if !n.Enabled(event) {
		return nil
	}
	title, ok := titles[event]
	if !ok {
		title = event
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Wait blocks until background alerts have finished.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
