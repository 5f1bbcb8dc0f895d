// Package proc reads child process statistics from /proc for status output.
package proc

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Stats describes a running process at one point in time.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	MemoryRSS  int64   `json:"memory_rss"`
	VirtualMB  int64   `json:"virtual_mb"`
	State      string  `json:"state"`
	Threads    int     `json:"threads"`
}

// procStat holds the /proc/[pid]/stat fields we care about.
type procStat struct {
	state   byte
	utime   uint64
	stime   uint64
	threads int
	start   uint64
	vsize   uint64
	rss     int64
}

// jiffies per second; Linux reports stat times at 100 Hz.
const clockTick = 100

// ReadStats reads a single snapshot. CPUPercent stays zero because a single
// reading has nothing to diff against; use SampleCPU for that.
func ReadStats(pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}
	ps, err := readProcStat(pid)
	if err != nil {
		return nil, err
	}

	pageSize := int64(os.Getpagesize())
	rssBytes := ps.rss * pageSize
	return &Stats{
		PID:       pid,
		MemoryRSS: rssBytes,
		MemoryMB:  rssBytes / (1024 * 1024),
		VirtualMB: int64(ps.vsize) / (1024 * 1024),
		State:     string(ps.state),
		Threads:   ps.threads,
	}, nil
}

// SampleCPU reads the process twice, interval apart, and fills CPUPercent
// from the jiffy delta. One-shot commands call this instead of keeping a
// tracker alive between invocations.
func SampleCPU(pid int, interval time.Duration) (*Stats, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	first, err := readProcStat(pid)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	time.Sleep(interval)

	stats, err := ReadStats(pid)
	if err != nil {
		return nil, err
	}
	second, err := readProcStat(pid)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started).Seconds()
	if elapsed > 0 {
		delta := float64((second.utime + second.stime) - (first.utime + first.stime))
		stats.CPUPercent = (delta / clockTick) / elapsed * 100.0
	}
	return stats, nil
}

// StartTime returns when the process started, derived from the boot time and
// the stat start offset.
func StartTime(pid int) (time.Time, error) {
	ps, err := readProcStat(pid)
	if err != nil {
		return time.Time{}, err
	}
	boot, err := bootTime()
	if err != nil {
		return time.Time{}, err
	}
	return boot.Add(time.Duration(ps.start/clockTick) * time.Second), nil
}

// readProcStat parses /proc/[pid]/stat. The comm field may contain spaces and
// parentheses, so fields are located after the last ')'.
func readProcStat(pid int) (*procStat, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, errors.Wrap(err, "read stat file")
	}

	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return nil, errors.New("malformed stat file: no closing paren")
	}

	// After comm: state ppid pgrp session tty_nr tpgid flags minflt cminflt
	// majflt cmajflt utime stime cutime cstime priority nice num_threads
	// itrealvalue starttime vsize rss ...
	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 22 {
		return nil, errors.Errorf("malformed stat file: expected 22+ fields, got %d", len(fields))
	}

	ps := &procStat{state: fields[0][0]}

	if ps.utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse utime")
	}
	if ps.stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse stime")
	}
	if ps.threads, err = strconv.Atoi(fields[17]); err != nil {
		return nil, errors.Wrap(err, "parse num_threads")
	}
	if ps.start, err = strconv.ParseUint(fields[19], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse starttime")
	}
	if ps.vsize, err = strconv.ParseUint(fields[20], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse vsize")
	}
	if ps.rss, err = strconv.ParseInt(fields[21], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse rss")
	}
	return ps, nil
}

func bootTime() (time.Time, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return time.Time{}, errors.Wrap(err, "open /proc/stat")
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		btime, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return time.Time{}, errors.Wrap(err, "parse btime")
		}
		return time.Unix(btime, 0), nil
	}
	return time.Time{}, errors.New("btime not found in /proc/stat")
}
