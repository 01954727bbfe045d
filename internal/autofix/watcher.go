// internal/autofix/watcher.go
package autofix

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/config"
)

const traceFlushDelay = 100 * time.Millisecond

var (
	newEntryRegex = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\{.*"ts":|INFO|WARN|ERROR|DEBUG|panic:)`)
	panicRegex    = regexp.MustCompile(`("level":"panic"|"level":"fatal"|panic:)`)
)

// Watcher tails an application log, detects panics and emits one incident
// per crash site. A crash site that fired within the cooldown is suppressed.
type Watcher struct {
	logger      *zap.Logger
	appLogPath  string
	projectRoot string
	service     string
	cooldown    time.Duration
	incidents   chan<- schemas.Incident
	now         func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	wg       sync.WaitGroup
}

// NewWatcher builds a watcher from the autofix config section.
func NewWatcher(logger *zap.Logger, cfg config.Interface, incidents chan<- schemas.Incident) (*Watcher, error) {
	if incidents == nil {
		return nil, errors.New("incident channel cannot be nil")
	}
	ac := cfg.Autofix()
	if ac.AppLogPath == "" {
		return nil, errors.New("autofix.app_log_path must be configured for crash detection")
	}
	return &Watcher{
		logger:      logger.Named("autofix-watcher"),
		appLogPath:  ac.AppLogPath,
		projectRoot: ac.ProjectRoot,
		service:     cfg.Logger().ServiceName,
		cooldown:    time.Duration(ac.CooldownSeconds) * time.Second,
		incidents:   incidents,
		now:         time.Now,
		lastSeen:    make(map[string]time.Time),
	}, nil
}

// Start tails the log from its current end and returns once tailing began.
// Monitoring continues in the background until ctx is cancelled; Wait blocks
// until it has fully stopped.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting crash detection watcher...", zap.String("app_log", w.appLogPath))

	t, err := tail.TailFile(w.appLogPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail application log file: %w", err)
	}

	w.wg.Add(1)
	go w.monitorLoop(ctx, t)
	return nil
}

// Wait blocks until the monitor loop and every in-flight crash handler returned.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// monitorLoop buffers multi-line traces from the shared log. A trace ends
// when a new log entry starts or no line arrives for traceFlushDelay.
func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer w.wg.Done()
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	var trace []string
	flush := time.NewTimer(traceFlushDelay)
	if !flush.Stop() {
		<-flush.C
	}
	defer flush.Stop()

	dispatch := func() {
		if len(trace) == 0 {
			return
		}
		lines := append([]string(nil), trace...)
		trace = nil
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.handleCrash(ctx, lines)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			dispatch()
			w.logger.Info("Stopping log watcher.")
			return

		case line, ok := <-t.Lines:
			if !ok {
				dispatch()
				w.logger.Info("Log file tailer channel closed.")
				return
			}
			if line.Err != nil {
				w.logger.Warn("Error reading from log file", zap.Error(line.Err))
				continue
			}

			text := line.Text
			if len(trace) > 0 && newEntryRegex.MatchString(text) {
				dispatch()
				if !flush.Stop() {
					select {
					case <-flush.C:
					default:
					}
				}
			}
			switch {
			case panicRegex.MatchString(text) && len(trace) == 0:
				trace = append(trace, text)
				flush.Reset(traceFlushDelay)
			case len(trace) > 0:
				trace = append(trace, text)
				flush.Reset(traceFlushDelay)
			}

		case <-flush.C:
			dispatch()
		}
	}
}

func (w *Watcher) handleCrash(ctx context.Context, lines []string) {
	report, err := ParseCrash(lines, w.projectRoot)
	if err != nil {
		w.logger.Warn("Panic detected but could not be located. Skipping.", zap.Error(err))
		return
	}
	report.CrashTime = w.now().UTC()

	if !w.admit(report.Location(), report.CrashTime) {
		w.logger.Debug("Crash site is cooling down.", zap.String("location", report.Location()))
		return
	}

	incident := report.Incident(w.service)
	w.logger.Warn("Panic detected, raising incident.",
		zap.String("incident_id", incident.ID),
		zap.String("location", report.Location()),
		zap.String("message", report.Message))

	select {
	case w.incidents <- incident:
	case <-ctx.Done():
		w.logger.Warn("Context cancelled while sending incident.", zap.String("incident_id", incident.ID))
	}
}

// admit records the crash site and reports whether it is outside the cooldown.
func (w *Watcher) admit(location string, at time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSeen[location]; ok && w.cooldown > 0 && at.Sub(last) < w.cooldown {
		return false
	}
	w.lastSeen[location] = at
	return true
}
