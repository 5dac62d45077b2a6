// Package orchestrator implements the process-wide sandbox coordinator:
// configuration validation, proxy lifecycle, command wrapping, and
// teardown.
//
// The teacher's sandbox.Manager is the direct ancestor of this package
// (same proxy-startup/WrapCommand/Cleanup shape) but is re-specified
// here as a singleton: package-level state behind a sync.RWMutex,
// guarding against more than one live Initialize per process, with
// explicit idempotency and AlreadyInitializedWithDifferentConfig
// rejection the teacher's Manager never needed (its Initialize is
// unconditionally idempotent with no equality check).
package orchestrator

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/opensandbox/fence/internal/audit"
	"github.com/opensandbox/fence/internal/config"
	"github.com/opensandbox/fence/internal/ferrors"
	"github.com/opensandbox/fence/internal/platform"
	"github.com/opensandbox/fence/internal/proxy"
	"github.com/opensandbox/fence/internal/sandbox"
	"github.com/opensandbox/fence/internal/violations"
)

var (
	mu          sync.RWMutex
	initialized bool
	cfg         *config.Config
	debug       bool

	httpProxy  *proxy.HTTPProxy
	socksProxy *proxy.SOCKSProxy

	linuxBridge   *sandbox.LinuxBridge
	reverseBridge *sandbox.ReverseBridge

	httpPort  int
	socksPort int

	store      = violations.New()
	executions int64
)

// Store returns the process-wide violation store. Exposed so cmd/fence
// and the policy compilers can record/forward violations without
// threading a store handle through every call; Initialize/Reset never
// replace the store itself, only clear it, so callers may hold onto the
// returned pointer across a Reset.
func Store() *violations.Store {
	return store
}

// NextExecutionID returns a fresh, monotonically increasing execution
// identifier for a WrapWithSandbox call, used to scope per-execution
// violation subscriptions.
func NextExecutionID() int64 {
	mu.Lock()
	defer mu.Unlock()
	executions++
	return executions
}

// Initialize validates cfg and starts any proxy whose port was not
// supplied externally. Re-calling with a structurally equal
// configuration is a no-op; calling with a different one while already
// initialized returns AlreadyInitializedWithDifferentConfig.
func Initialize(c *config.Config, debugMode bool) error {
	mu.Lock()
	defer mu.Unlock()

	if c == nil {
		return &ferrors.InvalidConfig{Field: "config", Reason: "must not be nil"}
	}
	if err := c.Validate(); err != nil {
		return &ferrors.InvalidConfig{Field: "config", Reason: err.Error()}
	}

	if initialized {
		if reflect.DeepEqual(cfg, c) {
			return nil
		}
		return &ferrors.AlreadyInitializedWithDifferentConfig{}
	}

	if !platform.IsSupported() {
		return &ferrors.HostNotSupported{}
	}

	filter := proxy.NewDomainFilter(c, store, nil, debugMode)

	var startedHTTP, startedSOCKS bool

	hp := c.Network.HTTPProxyPort
	if hp == 0 {
		httpProxy = proxy.NewHTTPProxy(filter, debugMode, false)
		port, err := httpProxy.Start()
		if err != nil {
			return &ferrors.ProxyBindFailure{Which: "http", Port: hp, Cause: err}
		}
		httpPort = port
		startedHTTP = true
	} else {
		httpPort = hp
	}

	sp := c.Network.SOCKSProxyPort
	if sp == 0 {
		socksProxy = proxy.NewSOCKSProxy(filter, debugMode, false)
		port, err := socksProxy.Start()
		if err != nil {
			if startedHTTP {
				httpProxy.Stop()
				httpProxy = nil
			}
			return &ferrors.ProxyBindFailure{Which: "socks", Port: sp, Cause: err}
		}
		socksPort = port
		startedSOCKS = true
	} else {
		socksPort = sp
	}
	_ = startedSOCKS

	if platform.Detect() == platform.Linux {
		bridge, err := sandbox.NewLinuxBridge(httpPort, socksPort, debugMode)
		if err != nil {
			rollback(startedHTTP, startedSOCKS)
			return &ferrors.InternalError{Context: "linux bridge setup", Cause: err}
		}
		linuxBridge = bridge
	}

	cfg = c
	debug = debugMode
	initialized = true

	logDebug("orchestrator initialized (http=%d socks=%d)", httpPort, socksPort)
	return nil
}

func rollback(startedHTTP, startedSOCKS bool) {
	if startedHTTP && httpProxy != nil {
		httpProxy.Stop()
		httpProxy = nil
	}
	if startedSOCKS && socksProxy != nil {
		socksProxy.Stop()
		socksProxy = nil
	}
}

// GetProxyPort returns the HTTP proxy port, or 0 if not initialized.
func GetProxyPort() int {
	mu.RLock()
	defer mu.RUnlock()
	return httpPort
}

// GetSOCKSProxyPort returns the SOCKS proxy port, or 0 if not initialized.
func GetSOCKSProxyPort() int {
	mu.RLock()
	defer mu.RUnlock()
	return socksPort
}

// GetEnv returns the configured extra environment variables, or nil if
// not initialized.
func GetEnv() map[string]string {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		return nil
	}
	return cfg.Env
}

// GetPreCommand returns the configured pre-command, or "" if none.
func GetPreCommand() string {
	mu.RLock()
	defer mu.RUnlock()
	if cfg == nil {
		return ""
	}
	return cfg.PreCommand
}

// WrapWithSandbox compiles the policy for the detected host and
// assembles the final shell command string, including the bit-exact
// environment variable emission order from the design notes: HTTP_PROXY,
// HTTPS_PROXY, ALL_PROXY, NO_PROXY (empty), SANDBOX_RUNTIME=1,
// TMPDIR=/tmp/claude, then the Env keys listed in Config.EnvOrder in that
// order, followed by any other Env keys in no defined order. Proxy
// variables are omitted entirely when both ports are absent. The platform
// wrappers set further variables after this prefix (WrapCommandMacOS via
// sandbox.GenerateProxyEnvVars, the Linux inner script via export); where
// names overlap, those later values are what the sandboxed command sees.
func WrapWithSandbox(command string) (string, error) {
	mu.RLock()
	c := cfg
	hp := httpPort
	sp := socksPort
	d := debug
	bridge := linuxBridge
	reverse := reverseBridge
	mu.RUnlock()

	if c == nil {
		return "", &ferrors.InternalError{Context: "wrap_with_sandbox", Cause: fmt.Errorf("orchestrator not initialized")}
	}

	if err := sandbox.CheckCommand(command, c); err != nil {
		return "", err
	}

	envPrefix := buildEnvPrefix(hp, sp, c.Env, c.EnvOrder)

	effectiveCommand := command
	if c.PreCommand != "" {
		effectiveCommand = c.PreCommand + " && " + command
	}

	plat := platform.Detect()
	var wrapped string
	var err error
	switch plat {
	case platform.MacOS:
		wrapped, err = sandbox.WrapCommandMacOS(c, effectiveCommand, hp, sp, nil, d)
	case platform.Linux:
		wrapped, err = sandbox.WrapCommandLinuxWithOptions(c, effectiveCommand, bridge, reverse, sandbox.LinuxSandboxOptions{
			UseLandlock: true,
			UseSeccomp:  true,
			UseEBPF:     true,
			Debug:       d,
			Store:       store,
		})
	default:
		return "", &ferrors.HostNotSupported{}
	}
	if err != nil {
		return "", err
	}

	return envPrefix + wrapped, nil
}

func buildEnvPrefix(httpPort, socksPort int, extra map[string]string, order []string) string {
	var out string
	if httpPort != 0 || socksPort != 0 {
		out += fmt.Sprintf("HTTP_PROXY=http://localhost:%d ", httpPort)
		out += fmt.Sprintf("HTTPS_PROXY=http://localhost:%d ", httpPort)
		out += fmt.Sprintf("ALL_PROXY=socks5://localhost:%d ", socksPort)
		out += "NO_PROXY= "
	}
	out += "SANDBOX_RUNTIME=1 "
	out += "TMPDIR=/tmp/claude "

	for _, key := range order {
		if val, ok := extra[key]; ok {
			out += fmt.Sprintf("%s=%s ", key, sandbox.ShellQuoteSingle(val))
		}
	}
	for key, val := range extra {
		if containsString(order, key) {
			continue
		}
		out += fmt.Sprintf("%s=%s ", key, sandbox.ShellQuoteSingle(val))
	}

	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// StartAudit attaches host-native audit ingest (macOS log stream, Linux
// eBPF monitor) to a running sandboxed child, recording every violation
// it observes under executionID. Returns a stop function that is always
// safe to call, even if ingest never started (unsupported host, missing
// capabilities, or a degraded audit stream).
func StartAudit(pid int, executionID int64, debugMode bool) func() {
	switch platform.Detect() {
	case platform.MacOS:
		ing := audit.StartMacOS(store, &executionID, debugMode)
		return ing.Stop
	case platform.Linux:
		ing := audit.StartLinux(pid, store, &executionID, debugMode)
		return ing.Stop
	default:
		return func() {}
	}
}

// Subscribe forwards to the violation store's broadcast subscription.
func Subscribe(buffer int) (<-chan violations.Event, func()) {
	return store.Subscribe(buffer)
}

// SubscribeToExecution forwards to the violation store's per-execution
// subscription.
func SubscribeToExecution(executionID int64, buffer int) (<-chan violations.Event, func()) {
	return store.SubscribeToExecution(executionID, buffer)
}

// Reset stops the proxies, unbinds ports, empties the state cell, and
// clears the violation store. Safe to call when Uninitialized. Bridge
// cleanup and the proxies' Stop() calls run in a goroutine that Reset
// waits on for at most 5s; after that it clears the state regardless.
// The HTTP proxy stops via http.Server.Shutdown; the SOCKS proxy's Stop
// closes only its listener, so connections it already accepted are not
// waited for, and Reset does not force-close any connection.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if !initialized {
		return
	}

	done := make(chan struct{})
	go func() {
		if reverseBridge != nil {
			reverseBridge.Cleanup()
		}
		if linuxBridge != nil {
			linuxBridge.Cleanup()
		}
		if httpProxy != nil {
			httpProxy.Stop()
		}
		if socksProxy != nil {
			socksProxy.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logDebug("reset: teardown grace period exceeded, proceeding anyway")
	}

	httpProxy = nil
	socksProxy = nil
	linuxBridge = nil
	reverseBridge = nil
	httpPort = 0
	socksPort = 0
	cfg = nil
	initialized = false
	store.Clear()
}

// Initialized reports whether the orchestrator currently holds live
// state, mainly for tests and cmd/fence's exit-code dispatch.
func Initialized() bool {
	mu.RLock()
	defer mu.RUnlock()
	return initialized
}

func logDebug(format string, args ...interface{}) {
	mu.RLock()
	d := debug
	mu.RUnlock()
	if d {
		fmt.Fprintf(os.Stderr, "[fence:orchestrator] "+format+"\n", args...)
	}
}
