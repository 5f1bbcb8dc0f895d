package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func main() {
	var out string
	var duration time.Duration
	var code int
	flag.StringVar(&out, "out", "dist/fake.txt", "Artifact to write")
	flag.DurationVar(&duration, "duration", 100*time.Millisecond, "How long the build takes")
	flag.IntVar(&code, "code", 0, "Exit code")
	flag.Parse()

	_, _ = fmt.Fprintf(os.Stderr, "fakebuild starting (out=%s duration=%s code=%d)\n", out, duration, code)
	time.Sleep(duration)

	if code == 0 {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
			os.Exit(2)
		}
		stamp := time.Now().Format(time.RFC3339Nano) + "\n"
		if err := os.WriteFile(out, []byte(stamp), 0o644); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "write artifact: %v\n", err)
			os.Exit(2)
		}
		_, _ = fmt.Fprintln(os.Stdout, "fakebuild: ok")
	} else {
		_, _ = fmt.Fprintln(os.Stderr, "fakebuild: failing as requested")
	}
	os.Exit(code)
}
