// Command sqrld is the daemon/CLI entry point: it runs the background
// ingestion daemon, the stdio tool server, or drives the control-plane
// socket, depending on the subcommand given.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sqrl-dev/sqrld/internal/config"
	"github.com/sqrl-dev/sqrld/internal/daemon"
	"github.com/sqrl-dev/sqrld/internal/extractor"
	. "github.com/sqrl-dev/sqrld/internal/logging"
	"github.com/sqrl-dev/sqrld/internal/mcptools"
	"github.com/sqrl-dev/sqrld/internal/registry"
	"github.com/sqrl-dev/sqrld/internal/rpc"
	"github.com/sqrl-dev/sqrld/internal/store"
)

// version is overridable at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "daemon", "watch-daemon":
		err = runDaemon(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "flush":
		err = runFlush(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "sqrld: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sqrld: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `sqrld — local memory daemon for AI coding assistants

Usage:
  sqrld init [-path <project root>]
  sqrld daemon [-log-level <level>]
  sqrld mcp
  sqrld flush`)
}

// runInit creates a project's local store and registers its root path in
// the global project registry, idempotently.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", ".", "project root to initialize")
	if err := fs.Parse(args); err != nil {
		return err
	}

	root, err := filepath.Abs(*path)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(root, ".sqrl"), 0o755); err != nil {
		return fmt.Errorf("failed to create .sqrl directory: %w", err)
	}

	st, err := store.Open(config.ProjectStorePath(root))
	if err != nil {
		return fmt.Errorf("failed to create project memory store: %w", err)
	}
	if err := st.Close(); err != nil {
		return fmt.Errorf("failed to close project memory store: %w", err)
	}

	reg, err := registry.Load(config.ProjectsPath())
	if err != nil {
		return fmt.Errorf("failed to load project registry: %w", err)
	}

	if existing, ok := reg.FindByPath(root); ok {
		fmt.Printf("already initialized: %s (project_id=%s)\n", root, existing.ProjectID)
		return nil
	}

	projectID := filepath.Base(root)
	p := reg.Register(projectID, root)
	if err := reg.Save(); err != nil {
		return fmt.Errorf("failed to save project registry: %w", err)
	}

	fmt.Printf("initialized %s (project_id=%s)\n", p.RootPath, p.ProjectID)
	return nil
}

// runDaemon starts the Daemon Orchestrator in the foreground, exiting
// cleanly on SIGINT/SIGTERM.
func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	logLevel := fs.String("log-level", "", "override the configured log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	policy, err := config.LoadPolicy()
	if err != nil {
		return fmt.Errorf("failed to load policy config: %w", err)
	}
	if *logLevel != "" {
		policy.Daemon.LogLevel = *logLevel
	}
	Init(&Config{Level: ParseLevel(policy.Daemon.LogLevel), TimeFormat: "15:04:05"})

	daemon.Version = version
	mcptools.Version = version

	pidPath := filepath.Join(config.GlobalDir(), "sqrld.pid")
	if running, pid := anotherInstanceRunning(pidPath); running {
		return fmt.Errorf("sqrld already running (pid %d, pidfile %s)", pid, pidPath)
	}
	if err := writePidFile(pidPath); err != nil {
		L_warn("failed to write pidfile, continuing without one", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	orch, err := daemon.New(policy)
	if err != nil {
		return fmt.Errorf("failed to construct daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return orch.Run(ctx)
}

// anotherInstanceRunning checks a pidfile against syscall.Signal(0), the
// standard Unix liveness probe for a process by pid without actually
// signaling it.
func anotherInstanceRunning(pidPath string) (bool, int) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// runMCP runs the stdio tool server until stdin closes.
func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	policy, err := config.LoadPolicy()
	if err != nil {
		return fmt.Errorf("failed to load policy config: %w", err)
	}
	Init(&Config{Level: ParseLevel(policy.Daemon.LogLevel), TimeFormat: "15:04:05"})

	mcptools.Version = version

	connectTimeout := time.Duration(policy.Rpc.ConnectTimeoutMs) * time.Millisecond
	if connectTimeout <= 0 {
		connectTimeout = extractor.DefaultConnectTimeout
	}
	responseTimeout := time.Duration(policy.Rpc.ResponseTimeoutMs) * time.Millisecond
	if responseTimeout <= 0 {
		responseTimeout = extractor.DefaultResponseTimeout
	}
	extr := extractor.New(policy.Rpc.ExtractorSocketPath, connectTimeout, responseTimeout)
	srv := mcptools.New(extr)
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

// runFlush calls the daemon's control-plane "flush" method and reports its
// reply.
func runFlush(args []string) error {
	fs := flag.NewFlagSet("flush", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	policy, err := config.LoadPolicy()
	if err != nil {
		return fmt.Errorf("failed to load policy config: %w", err)
	}

	conn, err := net.DialTimeout("unix", policy.Daemon.SocketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon control-plane socket: %w", err)
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	var result map[string]string
	reqID := uuid.New().String()
	if err := client.Call("flush", map[string]string{"request_id": reqID}, &result); err != nil {
		return fmt.Errorf("flush call failed: %w", err)
	}
	fmt.Printf("flush: %s\n", result["status"])
	return nil
}
