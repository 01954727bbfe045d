// internal/autofix/crash.go
package autofix

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sourabhkumawat/healops/api/schemas"
	"github.com/sourabhkumawat/healops/internal/llmutil"
)

const maxTraceRunes = 4000

var (
	jsonStackRegex   = regexp.MustCompile(`"stacktrace":"(.*?)"`)
	jsonMessageRegex = regexp.MustCompile(`"msg":"(.*?)"`)
	functionRegex    = regexp.MustCompile(`^([a-zA-Z0-9_\-./()*\[\]]+)\(.*\)$`)
	locationRegex    = regexp.MustCompile(`^\s+(.*\.go):(\d+)(?: .*)?$`)
)

// ErrNoAppFrame means every frame in the trace belongs to the runtime or a dependency.
var ErrNoAppFrame = errors.New("could not determine panic location in application code")

// CrashReport is the structured form of one panic.
type CrashReport struct {
	Message      string    `json:"message"`
	FunctionName string    `json:"function_name"`
	FilePath     string    `json:"file_path"`
	LineNumber   int       `json:"line_number"`
	StackTrace   string    `json:"stack_trace"`
	CrashTime    time.Time `json:"crash_time"`
}

// Location is file:line, used for display and de-duplication.
func (r CrashReport) Location() string {
	return fmt.Sprintf("%s:%d", r.FilePath, r.LineNumber)
}

// ParseCrashFile reads a dumped panic log and parses it.
func ParseCrashFile(path, projectRoot string) (CrashReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return CrashReport{}, fmt.Errorf("failed to open panic log file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return CrashReport{}, fmt.Errorf("failed to read panic log file: %w", err)
	}
	return ParseCrash(lines, projectRoot)
}

// ParseCrash interprets the lines of a panic, either a raw Go trace or a
// structured log line carrying the trace in a "stacktrace" field. The file
// path is made relative to projectRoot when it lies inside it.
func ParseCrash(lines []string, projectRoot string) (CrashReport, error) {
	if len(lines) == 0 {
		return CrashReport{}, errors.New("panic log is empty")
	}
	message := extractPanicMessage(lines[0])
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "{") {
		if m := jsonStackRegex.FindStringSubmatch(lines[0]); len(m) > 1 {
			if unescaped, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
				lines = append([]string{lines[0]}, strings.Split(unescaped, "\n")...)
			}
		}
	}

	report := CrashReport{
		Message:    message,
		StackTrace: strings.Join(lines, "\n"),
	}
	found := false
	for i := 1; i+1 < len(lines) && !found; i++ {
		m := functionRegex.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if len(m) < 2 || strings.HasPrefix(lines[i], "goroutine ") {
			continue
		}
		loc := locationRegex.FindStringSubmatch(lines[i+1])
		if len(loc) != 3 {
			continue
		}
		funcName, filePath := m[1], loc[1]
		if isRuntimeFrame(funcName, filePath) {
			continue
		}
		report.FunctionName = funcName
		report.FilePath = filePath
		report.LineNumber, _ = strconv.Atoi(loc[2])
		found = true
	}
	if !found {
		return CrashReport{}, ErrNoAppFrame
	}
	report.FilePath = relativeTo(projectRoot, report.FilePath)
	return report, nil
}

// isRuntimeFrame filters the Go runtime, the standard library and dependency code.
// Standard library directories have no dot in their import path; module paths do.
func isRuntimeFrame(funcName, filePath string) bool {
	if strings.HasPrefix(funcName, "runtime.") || strings.Contains(filePath, "/vendor/") || strings.Contains(filePath, "/pkg/mod/") {
		return true
	}
	if idx := strings.Index(filePath, "/go/src/"); idx >= 0 {
		pkg := filepath.Dir(filePath[idx+len("/go/src/"):])
		return !strings.Contains(pkg, ".")
	}
	return false
}

func extractPanicMessage(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		if m := jsonMessageRegex.FindStringSubmatch(line); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	if parts := strings.SplitN(line, "panic: ", 2); len(parts) > 1 {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(line)
}

func relativeTo(projectRoot, filePath string) string {
	if projectRoot == "" || !filepath.IsAbs(filePath) {
		return filepath.ToSlash(filePath)
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return filepath.ToSlash(filePath)
	}
	rel, err := filepath.Rel(root, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(filePath)
	}
	return filepath.ToSlash(rel)
}

// Incident turns a crash into a remediation request for service.
func (r CrashReport) Incident(service string) schemas.Incident {
	detected := r.CrashTime
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	fn := r.FunctionName
	if fn == "" {
		fn = "unknown function"
	}
	return schemas.Incident{
		ID:            uuid.NewString(),
		Title:         fmt.Sprintf("panic in %s", fn),
		RootCause:     fmt.Sprintf("Go panic %q raised in %s at %s.", r.Message, fn, r.Location()),
		AffectedFiles: []string{r.FilePath},
		Service:       service,
		Severity:      schemas.SeverityCritical,
		Metadata: map[string]string{
			"source":      "crash-watcher",
			"function":    r.FunctionName,
			"line":        strconv.Itoa(r.LineNumber),
			"stack_trace": llmutil.Truncate(r.StackTrace, maxTraceRunes),
		},
		DetectedAt: detected,
	}
}
