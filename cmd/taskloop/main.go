package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Println("taskloop dev")
		os.Exit(0)
	case "session":
		session(os.Args[2:])
	case "healer":
		healer(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  taskloop --version")
	fmt.Fprintln(os.Stderr, "  taskloop session run --root <dir> [--session-id <id>] --worker-cmd \"<cmd args...>\" [--agent <name>]")
	fmt.Fprintln(os.Stderr, "  taskloop healer scan --root <dir> [--task-hours N] [--subtask-hours N] [--min-failures N] [--json]")
	fmt.Fprintln(os.Stderr, "  taskloop healer invoke --root <dir> --task-id <id> [--subtask-id <id>]")
}

func session(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "run":
		sessionRun(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func healer(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "scan":
		healerScan(args[1:])
	case "invoke":
		healerInvoke(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}
