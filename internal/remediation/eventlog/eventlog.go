// internal/remediation/eventlog/eventlog.go
package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

const maxValueChars = 200

// ErrSequenceGap is returned when restored events are not numbered 1..n.
var ErrSequenceGap = errors.New("event sequence is not contiguous")

// Broadcaster receives every appended event for realtime observers.
// Implementations must not block.
type Broadcaster interface {
	Broadcast(runID string, event models.Event)
}

// Log is the append-only event record of a single run. It is owned by one
// run and is not safe for concurrent writers.
type Log struct {
	runID       string
	events      []models.Event
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithBroadcaster registers the realtime sink.
func WithBroadcaster(b Broadcaster) Option {
	return func(l *Log) { l.broadcaster = b }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates an empty log for runID.
func New(runID string, logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{
		runID:  runID,
		logger: logger.Named("eventlog"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restore rebuilds a log from persisted events, which must carry Seq 1..n in
// order. The restored log has no broadcaster.
func Restore(runID string, events []models.Event, logger *zap.Logger) (*Log, error) {
	l := New(runID, logger)
	l.events = make([]models.Event, 0, len(events))
	for i, ev := range events {
		if ev.Seq != i+1 {
			return nil, fmt.Errorf("%w: event %d has seq %d", ErrSequenceGap, i+1, ev.Seq)
		}
		l.events = append(l.events, cloneEvent(ev))
	}
	return l, nil
}

// RunID returns the run this log belongs to.
func (l *Log) RunID() string { return l.runID }

// Append records an event with no agent attribution.
func (l *Log) Append(eventType models.EventType, data map[string]interface{}) models.Event {
	return l.AppendAs("", eventType, data)
}

// AppendAs records an event attributed to agent and notifies the broadcaster.
func (l *Log) AppendAs(agent string, eventType models.EventType, data map[string]interface{}) models.Event {
	ev := models.Event{
		Seq:       len(l.events) + 1,
		Type:      eventType,
		Timestamp: l.now(),
		Agent:     agent,
		Data:      copyData(data),
	}
	l.events = append(l.events, ev)
	l.broadcast(ev)
	return cloneEvent(ev)
}

// broadcast delivers ev to the sink. A misbehaving sink is logged and otherwise ignored.
func (l *Log) broadcast(ev models.Event) {
	if l.broadcaster == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("Broadcaster panicked; event kept in log.",
				zap.Int("seq", ev.Seq), zap.String("type", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	l.broadcaster.Broadcast(l.runID, cloneEvent(ev))
}

// Len returns the number of raw events.
func (l *Log) Len() int { return len(l.events) }

// All returns every raw event in append order.
func (l *Log) All() []models.Event {
	out := make([]models.Event, len(l.events))
	for i, ev := range l.events {
		out[i] = cloneEvent(ev)
	}
	return out
}

// ByType returns the raw events of one type in append order.
func (l *Log) ByType(eventType models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// WindowedText renders the most recent maxEvents non-compression events, one per line.
func (l *Log) WindowedText(maxEvents int) string {
	if maxEvents <= 0 {
		return ""
	}
	window := make([]models.Event, 0, maxEvents)
	for i := len(l.events) - 1; i >= 0 && len(window) < maxEvents; i-- {
		if l.events[i].Type == models.EventCompression {
			continue
		}
		window = append(window, l.events[i])
	}
	if len(window) == 0 {
		return ""
	}

	var sb strings.Builder
	for i := len(window) - 1; i >= 0; i-- {
		sb.WriteString(FormatEvent(window[i]))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// FormatEvent renders a single event as a compact line.
func FormatEvent(ev models.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s %s", ev.Seq, ev.Timestamp.Format("15:04:05"), ev.Type)
	if ev.Agent != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Agent)
	}
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+truncate(fmt.Sprint(ev.Data[k]), maxValueChars))
		}
		sb.WriteString(": ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func copyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch tv := v.(type) {
		case []string:
			out[k] = append([]string(nil), tv...)
		case map[string]interface{}:
			out[k] = copyData(tv)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneEvent(ev models.Event) models.Event {
	ev.Data = copyData(ev.Data)
	return ev
}
