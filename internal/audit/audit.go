// Package audit ingests host-native violation signals into the shared
// violation store. On Host-A it tails the macOS unified log for sandbox
// denials (adapting sandbox.LogMonitor's parser); on Host-B it attaches
// an eBPF monitor to the sandboxed child (adapting sandbox.EBPFMonitor's
// parser). Both feed the same violations.Event shape so a subscriber
// never needs to know which host produced a record.
package audit

import (
	"github.com/opensandbox/fence/internal/sandbox"
	"github.com/opensandbox/fence/internal/violations"
)

// MacOSIngest wraps a running macOS log-stream tail.
type MacOSIngest struct {
	monitor *sandbox.LogMonitor
}

// StartMacOS begins tailing the unified log for sandbox denials bearing
// the current session's suffix, recording each into store scoped to
// executionID. Returns nil on non-macOS hosts or if the log stream
// could not be started; callers should treat a nil result as "no audit
// ingest running" rather than an error, matching the degrade-silently
// policy for audit-stream failures.
func StartMacOS(store *violations.Store, executionID *int64, debug bool) *MacOSIngest {
	monitor := sandbox.NewLogMonitor(sandbox.GetSessionSuffix())
	if monitor == nil {
		return nil
	}
	monitor.SetStore(store, executionID)
	if err := monitor.Start(); err != nil {
		return nil
	}
	return &MacOSIngest{monitor: monitor}
}

// Stop ends the log tail. Safe to call on a nil *MacOSIngest.
func (i *MacOSIngest) Stop() {
	if i == nil {
		return
	}
	i.monitor.Stop()
}
