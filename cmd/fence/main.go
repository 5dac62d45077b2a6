// Package main implements the fence CLI.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/opensandbox/fence/internal/config"
	"github.com/opensandbox/fence/internal/ferrors"
	"github.com/opensandbox/fence/internal/orchestrator"
	"github.com/opensandbox/fence/internal/platform"
	"github.com/opensandbox/fence/internal/sandbox"
	"github.com/spf13/cobra"
)

// Build-time variables (set via -ldflags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Exit codes per the external-interface contract: 0 and the user
// command's own exit code are handled inline; these four cover the
// collaborator's own failure modes.
const (
	exitInvalidConfig     = 64
	exitSandboxSetupError = 65
	exitPreCommandFailed  = 66
	exitInternalError     = 70
)

var (
	debug        bool
	settingsPath string
	cmdString    string
	showVersion  bool
	exitCode     int
)

func main() {
	// Check for internal --landlock-apply mode (used inside the sandbox).
	// This must be checked before cobra to avoid flag conflicts.
	if len(os.Args) >= 2 && os.Args[1] == "--landlock-apply" {
		runLandlockWrapper()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "fence [flags] -- command",
		Short: "Run a command in a sandbox with network and filesystem restrictions",
		Long: `fence runs a command in a sandboxed environment with network and
filesystem restrictions compiled from a JSON settings file.

By default, all network access is blocked. Configure allowed domains in
~/.fence.json or pass a settings file with --settings.

Examples:
  fence curl https://example.com          # blocked (no domains allowed)
  fence -- curl -s https://example.com    # use -- to separate fence flags from the command
  fence -c "echo hello && ls"             # run with shell expansion
  fence --settings config.json npm install

Configuration file format (~/.fence.json):
{
  "network": {
    "allowedDomains": ["github.com", "*.npmjs.org"],
    "deniedDomains": []
  },
  "filesystem": {
    "readPolicy": "denyOnly",
    "denyRead": [],
    "allowWrite": ["."],
    "denyWrite": []
  },
  "command": {
    "deny": ["git push", "npm publish"]
  }
}`,
		RunE:          runCommand,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
	}

	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable verbose audit logging")
	rootCmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "Path to settings file (default: ~/.fence.json)")
	rootCmd.Flags().StringVarP(&cmdString, "c", "c", "", "Run command string directly (like sh -c)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().SetInterspersed(true)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == 0 {
			exitCode = exitInternalError
		}
	}
	os.Exit(exitCode)
}

func runCommand(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("fence - lightweight, container-free sandbox for running untrusted commands\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Built:   %s\n", buildTime)
		fmt.Printf("  Commit:  %s\n", gitCommit)
		return nil
	}

	var command string
	switch {
	case cmdString != "":
		command = cmdString
	case len(args) > 0:
		command = joinArgs(args)
	default:
		exitCode = exitInvalidConfig
		return errors.New("no command specified; use -c <command> or provide command arguments")
	}

	if os.Getenv("DEBUG") != "" {
		debug = true
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[fence] Command: %s\n", command)
	}

	cfg, err := loadConfig()
	if err != nil {
		exitCode = exitInvalidConfig
		return err
	}

	if err := orchestrator.Initialize(cfg, debug); err != nil {
		exitCode = exitCodeFor(err)
		return fmt.Errorf("failed to initialize sandbox: %w", err)
	}
	defer orchestrator.Reset()

	executionID := orchestrator.NextExecutionID()

	sandboxedCommand, err := orchestrator.WrapWithSandbox(command)
	if err != nil {
		exitCode = exitCodeFor(err)
		return fmt.Errorf("failed to wrap command: %w", err)
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[fence] Sandboxed command: %s\n", sandboxedCommand)
	}

	hardenedEnv := sandbox.GetHardenedEnv()
	if debug {
		if stripped := sandbox.GetStrippedEnvVars(os.Environ()); len(stripped) > 0 {
			fmt.Fprintf(os.Stderr, "[fence] Stripped dangerous env vars: %v\n", stripped)
		}
	}

	execCmd := exec.Command("sh", "-c", sandboxedCommand) //nolint:gosec // sandboxedCommand is constructed from user input - intentional
	execCmd.Env = hardenedEnv
	execCmd.Stdin = os.Stdin
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := execCmd.Start(); err != nil {
		exitCode = exitSandboxSetupError
		return fmt.Errorf("failed to start command: %w", err)
	}

	var stopAudit func()
	if execCmd.Process != nil {
		stopAudit = orchestrator.StartAudit(execCmd.Process.Pid, executionID, debug)
		defer stopAudit()
	}

	go func() {
		sigCount := 0
		for sig := range sigChan {
			sigCount++
			if execCmd.Process == nil {
				continue
			}
			// First signal: graceful termination; second signal: force kill
			if sigCount >= 2 {
				_ = execCmd.Process.Kill()
			} else {
				_ = execCmd.Process.Signal(sig)
			}
		}
	}()

	if err := execCmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			return nil
		}
		exitCode = exitInternalError
		return fmt.Errorf("command failed: %w", err)
	}

	return nil
}

// joinArgs reassembles positional command-line arguments into a single
// shell command string, the same shape -c takes directly.
func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func loadConfig() (*config.Config, error) {
	if settingsPath != "" {
		return config.Load(settingsPath)
	}
	configPath := config.DefaultConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg == nil {
		if debug {
			fmt.Fprintf(os.Stderr, "[fence] No config found at %s, using default (block all network)\n", configPath)
		}
		return config.Default(), nil
	}
	return cfg, nil
}

// exitCodeFor maps the orchestrator error taxonomy onto the external
// exit-code contract.
func exitCodeFor(err error) int {
	var invalidConfig *ferrors.InvalidConfig
	var preCommandFailed *ferrors.PreCommandFailed
	switch {
	case errors.As(err, &invalidConfig):
		return exitInvalidConfig
	case errors.As(err, &preCommandFailed):
		return exitPreCommandFailed
	}

	var alreadyInit *ferrors.AlreadyInitializedWithDifferentConfig
	var proxyBind *ferrors.ProxyBindFailure
	var hostNotSupported *ferrors.HostNotSupported
	var toolchainMissing *ferrors.ToolchainMissing
	switch {
	case errors.As(err, &alreadyInit), errors.As(err, &proxyBind), errors.As(err, &hostNotSupported), errors.As(err, &toolchainMissing):
		return exitSandboxSetupError
	}

	var internalErr *ferrors.InternalError
	if errors.As(err, &internalErr) {
		return exitInternalError
	}

	var blocked *sandbox.CommandBlockedError
	if errors.As(err, &blocked) {
		return exitInvalidConfig
	}

	return exitSandboxSetupError
}

// runLandlockWrapper runs in "wrapper mode" inside the sandbox.
// It applies Landlock restrictions and then execs the user command.
// Usage: fence --landlock-apply [--debug] -- <command...>
// Config is passed via FENCE_CONFIG_JSON environment variable.
func runLandlockWrapper() {
	// Parse arguments: --landlock-apply [--debug] -- <command...>
	args := os.Args[2:] // Skip "fence" and "--landlock-apply"

	var debugMode bool
	var cmdStart int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--debug":
			debugMode = true
		case "--":
			cmdStart = i + 1
			goto parseCommand
		default:
			// Assume rest is the command
			cmdStart = i
			goto parseCommand
		}
	}

parseCommand:
	if cmdStart >= len(args) {
		fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Error: no command specified\n")
		os.Exit(1)
	}

	command := args[cmdStart:]

	if debugMode {
		fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Applying Landlock restrictions\n")
	}

	// Only apply Landlock on Linux
	if platform.Detect() == platform.Linux {
		// Load config from environment variable (passed by parent fence process)
		var cfg *config.Config
		if configJSON := os.Getenv("FENCE_CONFIG_JSON"); configJSON != "" {
			cfg = &config.Config{}
			if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
				if debugMode {
					fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Warning: failed to parse config: %v\n", err)
				}
				cfg = nil
			}
		}
		if cfg == nil {
			cfg = config.Default()
		}

		// Get current working directory for relative path resolution
		cwd, _ := os.Getwd()

		// Apply Landlock restrictions
		err := sandbox.ApplyLandlockFromConfig(cfg, cwd, nil, debugMode)
		if err != nil {
			if debugMode {
				fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Warning: Landlock not applied: %v\n", err)
			}
			// Continue without Landlock - bwrap still provides isolation
		} else if debugMode {
			fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Landlock restrictions applied\n")
		}
	}

	// Find the executable
	execPath, err := exec.LookPath(command[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Error: command not found: %s\n", command[0])
		os.Exit(127)
	}

	if debugMode {
		fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Exec: %s %v\n", execPath, command[1:])
	}

	// Sanitize environment (strips LD_PRELOAD, etc.)
	hardenedEnv := sandbox.FilterDangerousEnv(os.Environ())

	// Exec the command (replaces this process)
	err = syscall.Exec(execPath, command, hardenedEnv) //nolint:gosec
	if err != nil {
		fmt.Fprintf(os.Stderr, "[fence:landlock-wrapper] Exec failed: %v\n", err)
		os.Exit(1)
	}
}
