package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"furnace/internal/runtime"
)

// archiveTimeFormat is appended to rotated log file names, derived from the
// old file's modification time.
const archiveTimeFormat = "20060102_150405"

// maxLogLine bounds a single captured log line.
const maxLogLine = 1024 * 1024

// LogAggregator captures container output into per-instance log files. One
// follower goroutine runs per container; all followers of an instance
// append to the same file. Appends are line-granular (open, write one line,
// close), so interleaving across containers is expected but partial-line
// corruption cannot occur.
type LogAggregator struct {
	client runtime.Client
	log    *slog.Logger
}

func NewLogAggregator(client runtime.Client, log *slog.Logger) *LogAggregator {
	return &LogAggregator{client: client, log: log}
}

// Prepare rotates any existing log file at path out of the way and creates
// a fresh, empty file. The rotated file keeps its content under a name
// suffixed with its last-modified timestamp.
func (a *LogAggregator) Prepare(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	if fi, err := os.Stat(path); err == nil {
		archived := archivePath(path, fi.ModTime())
		a.log.Debug("archiving previous log file", "from", path, "to", archived)
		if err := os.Rename(path, archived); err != nil {
			return fmt.Errorf("archiving %s: %w", path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating log file %s: %w", path, err)
	}
	return f.Close()
}

// Follow starts a background follower that appends every output line of ctr
// to path until the container stops or ctx is cancelled. The follower is
// registered on wg so the owner can wait for it during teardown. A stream
// error terminates only this follower.
func (a *LogAggregator) Follow(ctx context.Context, ctr runtime.Container, path string, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.follow(ctx, ctr, path)
	}()
}

func (a *LogAggregator) follow(ctx context.Context, ctr runtime.Container, path string) {
	rc, err := a.client.StreamLogs(ctx, ctr)
	if err != nil {
		a.log.Error("opening log stream failed", "container", ctr.Name, "error", err)
		return
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		if err := appendLogLine(path, ctr.Name, scanner.Text()); err != nil {
			a.log.Error("writing log line failed", "container", ctr.Name, "file", path, "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.log.Error("log stream error", "container", ctr.Name, "error", err)
	}
}

// appendLogLine writes one timestamped line with a single write syscall on
// an O_APPEND descriptor, which keeps concurrent writers line-atomic.
func appendLogLine(path, containerName, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	_, werr := f.WriteString(fmt.Sprintf("[%s] %s: %s\n", ts, containerName, line))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func archivePath(path string, mtime time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", base, mtime.Format(archiveTimeFormat), ext)
}
