// chatter prints timestamped lines on both standard streams at a fixed
// cadence and then idles, giving the logs command dated output to filter.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	var interval time.Duration
	var count int
	var stdoutOnly bool
	flag.DurationVar(&interval, "interval", 50*time.Millisecond, "Delay between lines")
	flag.IntVar(&count, "lines", 50, "Lines per stream before idling")
	flag.BoolVar(&stdoutOnly, "stdout-only", false, "Skip the stderr copies")
	flag.Parse()

	for i := 1; i <= count; i++ {
		now := time.Now().Format(time.RFC3339Nano)
		_, _ = fmt.Fprintf(os.Stdout, "%s chatter stdout %d/%d\n", now, i, count)
		if !stdoutOnly {
			_, _ = fmt.Fprintf(os.Stderr, "%s chatter stderr %d/%d\n", now, i, count)
		}
		time.Sleep(interval)
	}

	// Stay resident so a supervisor has something to stop.
	select {}
}
