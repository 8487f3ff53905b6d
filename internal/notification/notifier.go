// Package notification delivers pipeline alerts (sink outages, failed
// evaluations) to a log or an HTTP webhook.
package notification

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Source  string     `json:"source"` // emitting service, e.g. "mdengine"
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Ticker  string     `json:"ticker,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the standard logger.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, a Alert) error {
	log.Printf("[notify] [%s] %s: %s: %s", a.Level, a.Source, a.Title, a.Message)
	return nil
}

// Multi sends every alert to each notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttle suppresses repeats of the same (source, title, ticker) alert
// within Interval.
type Throttle struct {
	Next     Notifier
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewThrottle wraps next.
func NewThrottle(next Notifier, interval time.Duration) *Throttle {
	return &Throttle{Next: next, Interval: interval, last: make(map[string]time.Time), now: time.Now}
}

func (t *Throttle) Send(ctx context.Context, a Alert) error {
	k := a.Source + "\x00" + a.Title + "\x00" + a.Ticker
	now := t.now()
	t.mu.Lock()
	if prev, ok := t.last[k]; ok && now.Sub(prev) < t.Interval {
		t.mu.Unlock()
		return nil
	}
	t.last[k] = now
	t.mu.Unlock()
	return t.Next.Send(ctx, a)
}

// Go sends a in the background with a bounded timeout, logging failures.
// n may be nil.
func Go(n Notifier, a Alert) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.Send(ctx, a); err != nil {
			log.Printf("[notify] deliver %q: %v", a.Title, err)
		}
	}()
}

// FromURL returns a log notifier, plus a throttled webhook when url is set.
func FromURL(url string) Notifier {
	if url == "" {
		return LogNotifier{}
	}
	return NewThrottle(Multi{LogNotifier{}, NewWebhookNotifier(url)}, time.Minute)
}
