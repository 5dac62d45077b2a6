package audit

import (
	"github.com/opensandbox/fence/internal/sandbox"
	"github.com/opensandbox/fence/internal/violations"
)

// LinuxIngest wraps the eBPF-based monitors attached to a sandboxed
// child's PID.
type LinuxIngest struct {
	monitors *sandbox.LinuxMonitors
}

// StartLinux attaches an eBPF monitor to pid, recording every denial it
// observes into store scoped to executionID. Returns nil when eBPF
// monitoring is unavailable (missing capabilities or a non-Linux host);
// a bpftrace failure does not make it nil, since EBPFMonitor.Start does
// not report that failure as an error. The sandboxed child still runs
// under bwrap/seccomp/Landlock regardless, since eBPF here is
// observability, not enforcement.
func StartLinux(pid int, store *violations.Store, executionID *int64, debug bool) *LinuxIngest {
	monitors, err := sandbox.StartLinuxMonitor(pid, sandbox.LinuxSandboxOptions{
		Monitor:     true,
		UseEBPF:     true,
		Debug:       debug,
		Store:       store,
		ExecutionID: executionID,
	})
	if err != nil || monitors == nil || monitors.EBPFMonitor == nil {
		return nil
	}
	return &LinuxIngest{monitors: monitors}
}

// Stop ends eBPF monitoring. Safe to call on a nil *LinuxIngest.
func (i *LinuxIngest) Stop() {
	if i == nil {
		return
	}
	i.monitors.Stop()
}
