// internal/remediation/eventlog/derive.go
package eventlog

import (
	"fmt"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

// RecentFailures returns up to n failure descriptions, oldest first, taken
// from step failures and error events. Compression events are never consulted.
func (l *Log) RecentFailures(n int) []string {
	var out []string
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		ev := l.events[i]
		switch ev.Type {
		case models.EventPlanStepFailed:
			out = append(out, fmt.Sprintf("step %v (%v): %v", ev.Data["step_number"], ev.Data["description"], ev.Data["error"]))
		case models.EventError:
			out = append(out, fmt.Sprintf("%v: %v", ev.Data["stage"], ev.Data["error"]))
		}
	}
	reverse(out)
	return out
}

// RecentDiscoveries returns up to n findings reported by successful observations, oldest first.
func (l *Log) RecentDiscoveries(n int) []string {
	var out []string
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		ev := l.events[i]
		if ev.Type != models.EventObservation {
			continue
		}
		if ok, _ := ev.Data["success"].(bool); !ok {
			continue
		}
		if ds, ok := ev.Data["discoveries"].([]string); ok && len(ds) > 0 {
			for j := len(ds) - 1; j >= 0 && len(out) < n; j-- {
				out = append(out, ds[j])
			}
			continue
		}
		if res, ok := ev.Data["result"].(string); ok && res != "" {
			out = append(out, truncate(res, maxValueChars))
		}
	}
	reverse(out)
	return out
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
