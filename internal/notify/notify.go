// Package notify fans trading events out to pluggable channels.
package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level grades an event's urgency.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Kind names the event classes the engine emits.
type Kind string

const (
	KindRejection         Kind = "rejection"
	KindExecution         Kind = "execution"
	KindPartialFill       Kind = "partial_fill"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindManualTrade       Kind = "manual_trade_detected"
	KindDailySummary      Kind = "daily_summary"
	KindPersistence       Kind = "persistence_error"
)

// Event is one outbound notification.
type Event struct {
	Level   Level
	Kind    Kind
	Title   string
	Message string
	Fields  map[string]string
	At      time.Time
}

// Text renders the event as a plain text block, fields sorted for stable
// output.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(e.Level)), e.Title)
	if e.Message != "" {
		fmt.Fprintf(&b, "\n%s", e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, e.Fields[k])
	}
	return b.String()
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// channelTimeout bounds each channel's delivery per event.
const channelTimeout = 10 * time.Second

// Manager fans events out to every registered channel concurrently. A slow
// or failing channel never blocks the trading path beyond the per-channel
// timeout, and delivery failures are logged, not returned.
type Manager struct {
	channels []Notifier
	logger   *log.Logger
}

// NewManager builds a fan-out manager.
func NewManager(logger *log.Logger, channels ...Notifier) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{channels: channels, logger: logger}
}

// Publish delivers the event to all channels and waits for them (or their
// timeouts).
func (m *Manager) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	var wg sync.WaitGroup
	for _, ch := range m.channels {
		wg.Add(1)
		go func(ch Notifier) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, channelTimeout)
			defer cancel()
			if err := ch.Send(sendCtx, event); err != nil {
				m.logger.Printf("Warning: notify via %s failed: %v", ch.Name(), err)
			}
		}(ch)
	}
	wg.Wait()
}

// LogNotifier writes events to the process log. Always registered so every
// event leaves at least one trace.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier builds the log channel.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	l.logger.Printf("EVENT %s/%s: %s", event.Kind, event.Level, strings.ReplaceAll(event.Text(), "\n", " | "))
	return nil
}

// Name implements Notifier.
func (l *LogNotifier) Name() string {
	return "log"
}
