// internal/remediation/eventlog/compression.go
package eventlog

import (
	"errors"
	"fmt"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

// ErrInvalidRange is returned when a compression range does not cover existing raw events.
var ErrInvalidRange = errors.New("invalid compression range")

// AddCompression appends a compression event standing in for the raw events
// fromSeq..toSeq (inclusive). The raw events stay in the log.
func (l *Log) AddCompression(fromSeq, toSeq int, summary string) (models.Event, error) {
	if fromSeq < 1 || toSeq < fromSeq || toSeq > len(l.events) {
		return models.Event{}, fmt.Errorf("%w: %d..%d with %d events", ErrInvalidRange, fromSeq, toSeq, len(l.events))
	}
	for _, ev := range l.events[fromSeq-1 : toSeq] {
		if ev.Type == models.EventCompression {
			return models.Event{}, fmt.Errorf("%w: seq %d is itself a compression event", ErrInvalidRange, ev.Seq)
		}
	}
	return l.Append(models.EventCompression, map[string]interface{}{
		"from_seq": fromSeq,
		"to_seq":   toSeq,
		"summary":  summary,
		"covered":  toSeq - fromSeq + 1,
	}), nil
}

// Condensed returns the external view of the log: each range covered by a
// compression event is replaced by that event, placed where the range began.
// When ranges overlap the earliest-appended compression wins.
func (l *Log) Condensed() []models.Event {
	coveredBy := make(map[int]int) // raw seq -> index of compression event
	for i, ev := range l.events {
		if ev.Type != models.EventCompression {
			continue
		}
		from, to := seqBounds(ev)
		for s := from; s <= to; s++ {
			if _, taken := coveredBy[s]; !taken {
				coveredBy[s] = i
			}
		}
	}

	emitted := make(map[int]bool)
	out := make([]models.Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.Type == models.EventCompression {
			continue
		}
		if idx, ok := coveredBy[ev.Seq]; ok {
			if !emitted[idx] {
				out = append(out, cloneEvent(l.events[idx]))
				emitted[idx] = true
			}
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	return out
}

func seqBounds(ev models.Event) (int, int) {
	return asInt(ev.Data["from_seq"]), asInt(ev.Data["to_seq"])
}

// asInt accepts the numeric forms a bound takes in memory and after a JSON round trip.
func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
