package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var path string
	var exitAfter time.Duration
	var code int
	flag.StringVar(&path, "pidfile", "pidfile.pid", "Path to write the PID to")
	flag.DurationVar(&exitAfter, "exit-after", 0, "Exit on our own after this long (0 = run until TERM)")
	flag.IntVar(&code, "exit-code", 0, "Exit code when exiting on our own")
	flag.Parse()

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "write pidfile: %v\n", err)
		os.Exit(2)
	}
	_, _ = fmt.Fprintf(os.Stderr, "pidfile: running (pid=%d file=%s)\n", os.Getpid(), path)

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)

	var timeout <-chan time.Time
	if exitAfter > 0 {
		timeout = time.After(exitAfter)
	}

	select {
	case <-term:
		_, _ = fmt.Fprintln(os.Stderr, "pidfile: terminated, cleaning up")
		_ = os.Remove(path)
		os.Exit(0)
	case <-timeout:
		_, _ = fmt.Fprintf(os.Stderr, "pidfile: exiting on our own (code=%d)\n", code)
		_ = os.Remove(path)
		os.Exit(code)
	}
}
