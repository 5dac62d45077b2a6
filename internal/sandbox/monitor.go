// Package sandbox provides sandboxing functionality for macOS and Linux.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opensandbox/fence/internal/platform"
	"github.com/opensandbox/fence/internal/violations"
)

// LogMonitor monitors sandbox violations via macOS log stream.
type LogMonitor struct {
	sessionSuffix string
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	running       bool

	store       *violations.Store
	executionID *int64
}

// SetStore attaches a violation store so parsed log-stream violations are
// recorded alongside proxy-detected ones, scoped to executionID when
// non-nil. Must be called before Start.
func (m *LogMonitor) SetStore(store *violations.Store, executionID *int64) {
	if m == nil {
		return
	}
	m.store = store
	m.executionID = executionID
}

// NewLogMonitor creates a new log monitor for the given session suffix.
// Returns nil on non-macOS platforms.
func NewLogMonitor(sessionSuffix string) *LogMonitor {
	if platform.Detect() != platform.MacOS {
		return nil
	}
	return &LogMonitor{
		sessionSuffix: sessionSuffix,
	}
}

// Start begins monitoring the macOS unified log for sandbox violations.
func (m *LogMonitor) Start() error {
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	// Build predicate to filter for our session's violations
	// Note: We use the broader "_SBX" suffix to ensure we capture events
	// even if there's a slight delay in log delivery
	predicate := `eventMessage ENDSWITH "_SBX"`

	m.cmd = exec.CommandContext(ctx, "log", "stream",
		"--predicate", predicate,
		"--style", "compact",
	)

	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start log stream: %w", err)
	}

	m.running = true

	// Parse log output in background
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			parsed, ok := parseViolationFields(line)
			if !ok {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s\n", parsed.formatted)
			if m.store != nil {
				m.store.Add(violations.Event{
					ExecutionID: m.executionID,
					Kind:        parsed.kind,
					Subject:     parsed.subject,
					PID:         &parsed.pid,
					Raw:         line,
					Timestamp:   time.Now(),
				})
			}
		}
	}()

	// Give log stream a moment to initialize
	time.Sleep(100 * time.Millisecond)

	return nil
}

// Stop stops the log monitor.
func (m *LogMonitor) Stop() {
	if m == nil || !m.running {
		return
	}

	// Give a moment for any pending events to be processed
	time.Sleep(500 * time.Millisecond)

	if m.cancel != nil {
		m.cancel()
	}

	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
		m.cmd.Wait()
	}

	m.running = false
}

// violationPattern matches sandbox denial log entries
var violationPattern = regexp.MustCompile(`Sandbox: (\w+)\((\d+)\) deny\(\d+\) (\S+)(.*)`)

// parsedLogViolation is a sandbox denial extracted from a macOS unified
// log line, in both the sandbox package's own logstream-format shape and
// the violations.Event shape fed to the shared store.
type parsedLogViolation struct {
	kind      violations.Kind
	subject   string
	pid       int
	formatted string
}

// parseViolation extracts and formats a sandbox violation from a log line,
// for callers that only want the display string.
// Returns empty string if the line should be filtered out.
func parseViolation(line string) string {
	parsed, ok := parseViolationFields(line)
	if !ok {
		return ""
	}
	return parsed.formatted
}

// parseViolationFields extracts violation fields from a log line. Returns
// ok=false if the line should be filtered out (header, noise, or no match).
func parseViolationFields(line string) (parsedLogViolation, bool) {
	// Skip header lines
	if strings.HasPrefix(line, "Filtering") || strings.HasPrefix(line, "Timestamp") {
		return parsedLogViolation{}, false
	}

	// Skip duplicate report summaries
	if strings.Contains(line, "duplicate report") {
		return parsedLogViolation{}, false
	}

	// Skip CMD64 marker lines (they follow the actual violation)
	if strings.HasPrefix(line, "CMD64_") {
		return parsedLogViolation{}, false
	}

	// Match violation pattern
	matches := violationPattern.FindStringSubmatch(line)
	if matches == nil {
		return parsedLogViolation{}, false
	}

	process := matches[1]
	pidStr := matches[2]
	operation := matches[3]
	details := strings.TrimSpace(matches[4])

	// Filter: only show network and file operations
	if !shouldShowViolation(operation) {
		return parsedLogViolation{}, false
	}

	// Filter out noisy violations
	if isNoisyViolation(operation, details) {
		return parsedLogViolation{}, false
	}

	pid, _ := strconv.Atoi(pidStr)

	subject := details
	if subject == "" {
		subject = operation
	}

	kind := violations.KindOther
	switch {
	case strings.HasPrefix(operation, "network-"):
		kind = violations.KindNetwork
	case strings.HasPrefix(operation, "file-read"):
		kind = violations.KindFilesystemRead
	case strings.HasPrefix(operation, "file-write"):
		kind = violations.KindFilesystemWrite
	}

	// Format the output
	timestamp := time.Now().Format("15:04:05")

	var formatted string
	if details != "" {
		formatted = fmt.Sprintf("[fence:logstream] %s ✗ %s %s (%s:%s)", timestamp, operation, details, process, pidStr)
	} else {
		formatted = fmt.Sprintf("[fence:logstream] %s ✗ %s (%s:%s)", timestamp, operation, process, pidStr)
	}

	return parsedLogViolation{kind: kind, subject: subject, pid: pid, formatted: formatted}, true
}

// shouldShowViolation returns true if this violation type should be displayed.
func shouldShowViolation(operation string) bool {
	// Show network violations
	if strings.HasPrefix(operation, "network-") {
		return true
	}

	// Show file read/write violations
	if strings.HasPrefix(operation, "file-read") ||
		strings.HasPrefix(operation, "file-write") {
		return true
	}

	// Filter out everything else (mach-lookup, file-ioctl, etc.)
	return false
}

// isNoisyViolation returns true if this violation is system noise that should be filtered.
func isNoisyViolation(operation, details string) bool {
	// Filter out TTY/terminal writes (very noisy from any process that prints output)
	if strings.HasPrefix(details, "/dev/tty") ||
		strings.HasPrefix(details, "/dev/pts") {
		return true
	}

	// Filter out mDNSResponder (system DNS resolution socket)
	if strings.Contains(details, "mDNSResponder") {
		return true
	}

	// Filter out other system sockets that are typically noise
	if strings.HasPrefix(details, "/private/var/run/syslog") {
		return true
	}

	return false
}

// GetSessionSuffix returns the session suffix used for filtering.
// This is the same suffix used in macOS sandbox-exec profiles.
func GetSessionSuffix() string {
	return sessionSuffix // defined in macos.go
}

