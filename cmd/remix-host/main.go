package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/taquila123/remix-plugin/internal/api"
	"github.com/taquila123/remix-plugin/internal/config"
	"github.com/taquila123/remix-plugin/internal/deadletter"
	"github.com/taquila123/remix-plugin/internal/frame"
	"github.com/taquila123/remix-plugin/internal/host"
	"github.com/taquila123/remix-plugin/internal/lock"
	"github.com/taquila123/remix-plugin/internal/log"
	"github.com/taquila123/remix-plugin/internal/profile"
	"github.com/taquila123/remix-plugin/internal/transport"
	"github.com/taquila123/remix-plugin/internal/transport/ws"
	"github.com/taquila123/remix-plugin/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "profile":
		return runProfileNoun(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "./config.yaml", "Path to configuration file")
	skipVerify := fs.Bool("skip-verify", false, "Skip profile integrity verification")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("remix-host starting", "version", version, "config", *configPath)

	lockPath := filepath.Join(filepath.Dir(cfg.DeadLetter.Path), "remix-host.lock")
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	if !*skipVerify {
		if err := profile.Verify(cfg.ProfilesDir); err != nil {
			logger.Error("profile integrity verification failed", "profiles_dir", cfg.ProfilesDir, "error", err)
			return 1
		}
		logger.Info("profile integrity verified", "profiles_dir", cfg.ProfilesDir)
	}

	registry, err := profile.Discover(cfg.ProfilesDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	})
	if err != nil {
		logger.Error("profile discovery failed", "profiles_dir", cfg.ProfilesDir, "error", err)
		return 1
	}
	logger.Info("profile discovery complete", "count", len(registry.All()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := deadletter.Open(ctx, cfg.DeadLetter.Path, log.WithComponent("deadletter"))
	if err != nil {
		logger.Error("failed to open dead-letter store", "path", cfg.DeadLetter.Path, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("dead-letter store opened", "path", cfg.DeadLetter.Path)

	events := api.NewEventHub(256)
	dialer := frame.DialerFunc(func(ctx context.Context, url string) (transport.Transport, error) {
		return ws.Dial(ctx, url)
	})

	engine := host.New(registry, dialer, store, events, log.WithComponent("host"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, engine, store, events, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	go func() {
		if err := engine.ConnectAll(ctx); err != nil {
			logger.Warn("some plugins failed to connect", "error", err)
		}
	}()

	logger.Info("remix-host running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		engine.Shutdown()
		return 1
	}

	engine.Shutdown()
	logger.Info("remix-host stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Host API URL")
	apiKey := fs.String("api-key", os.Getenv("REMIX_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or REMIX_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runProfileNoun(args []string) int {
	if len(args) < 1 {
		printProfileHelp()
		return 1
	}
	switch args[0] {
	case "lock":
		return runProfileLock(args[1:])
	case "check":
		return runProfileCheck(args[1:])
	case "help", "--help", "-h":
		printProfileHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown profile command: %s\n\n", args[0])
		printProfileHelp()
		return 1
	}
}

func runProfileLock(args []string) int {
	fs := flag.NewFlagSet("profile lock", flag.ExitOnError)
	dir := fs.String("profiles", "./profiles", "Path to profiles directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	files, err := profile.Lock(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %d profile(s) in %s\n", len(files), *dir)
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return 0
}

func runProfileCheck(args []string) int {
	fs := flag.NewFlagSet("profile check", flag.ExitOnError)
	dir := fs.String("profiles", "./profiles", "Path to profiles directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := profile.Verify(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return 1
	}

	registry, err := profile.Discover(*dir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery failed: %v\n", err)
		return 1
	}
	fmt.Printf("OK: %d profile(s) valid and locked\n", len(registry.All()))
	for _, name := range registry.Names() {
		p, _ := registry.Get(name)
		fmt.Printf("  %-16s %s (%d methods)\n", name, p.URL, len(p.Methods))
	}
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: remix-host version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("remix-host %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`remix-host - Plugin message-protocol host engine

Usage:
  remix-host <command> [flags]

Commands:
  start             Start the host in foreground
  watch             Real-time diagnostic monitoring TUI
  profile lock      Authorize current profiles (update integrity hashes)
  profile check     Validate profile syntax and integrity
  version           Show version information
  help              Show this help message

Use 'remix-host <command> --help' for command-specific flags.
`)
}

func printProfileHelp() {
	fmt.Print(`Usage: remix-host profile <action> [flags]

Actions:
  lock      Compute and store BLAKE3 hashes for every profile file
  check     Verify profiles against stored hashes and validate them

Flags:
  --profiles DIR    Path to profiles directory (default: ./profiles)
`)
}
