package logger

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/cr14-rfid/internal/device"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// Logger records device events to CSV files with automatic rotation. It
// implements device.Observer.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	closed   bool

	file     *os.File
	writer   *csv.Writer
	lastSeen map[protocol.UID]time.Time
	rows     int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	// IntervalMs is the minimum gap between two rows for the same tag while
	// polling. Command results are always recorded.
	IntervalMs int `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000

	// lastSeen is pruned once it tracks this many tags
	pruneThreshold = 1024

	DefaultPath = "/var/log/cr14d"
)

var csvHeader = []string{
	"timestamp", "event", "mode", "uid", "manufacturer", "model", "frame", "error",
}

func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 0 {
		interval = 0
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		lastSeen: make(map[protocol.UID]time.Time),
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Observe writes one row for ev. Repeated sightings of the same tag within
// the interval are skipped.
func (l *Logger) Observe(ev device.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.closed {
		return
	}

	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}
	if ev.Kind == device.EventTag {
		if last, ok := l.lastSeen[ev.UID]; ok && now.Sub(last) < l.interval {
			return
		}
		if len(l.lastSeen) >= pruneThreshold {
			l.prune(now)
		}
		l.lastSeen[ev.UID] = now
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		l.prune(now)
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, ev)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file. Events observed after
// Close are dropped.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.closeFile()
}

// prune forgets tags last logged more than an interval ago; their next
// sighting is logged either way.
func (l *Logger) prune(now time.Time) {
	for uid, last := range l.lastSeen {
		if now.Sub(last) >= l.interval {
			delete(l.lastSeen, uid)
		}
	}
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	// nanoseconds keep names unique when rotating more than once a second
	filename := fmt.Sprintf("tags_%s_%09d.csv", now.Format("2006-01-02_150405"), now.Nanosecond())
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, ev device.Event) []string {
	row := make([]string, len(csvHeader))

	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = ev.Kind.String()
	row[2] = ev.Mode.String()

	if !ev.UID.IsZero() {
		row[3] = ev.UID.String()
		row[4] = ev.UID.Manufacturer()
		row[5], _ = ev.UID.Model()
	}
	if len(ev.Frame) > 0 {
		row[6] = hex.EncodeToString(ev.Frame)
	}
	if ev.Err != nil {
		row[7] = ev.Err.Error()
	}
	return row
}
