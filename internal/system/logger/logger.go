// Package logger implements the rotating file logger behind gatewayd's
// "logs" command family: one file per day under the configured log
// directory, optionally tee'd to stderr, so a gateway that failed to
// start can still be diagnosed from the log files it did manage to
// write before dying.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config configures a Manager.
type Config struct {
	Dir           string     `json:"dir"`           // log directory, default ~/.openclaw-china/logs
	Level         slog.Level `json:"level"`         // minimum level passed to NewSlogHandler
	MaxAgeDays    int        `json:"maxAgeDays"`    // Cleanup removes files older than this; 0 disables
	MaxSizeMB     int        `json:"maxSizeMB"`     // per-file size before rotating to a numbered suffix
	StderrEnabled bool       `json:"stderrEnabled"` // tee every write to stderr as well
}

// Manager owns one rotating log file's lifecycle.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	file    *os.File
	curDate string
}

// DefaultConfig returns the logger's default configuration.
func DefaultConfig() Config {
	return Config{
		Dir:           defaultLogDir(),
		Level:         slog.LevelInfo,
		MaxAgeDays:    30,
		MaxSizeMB:     50,
		StderrEnabled: true,
	}
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".openclaw-china", "logs")
	}
	return filepath.Join(home, ".openclaw-china", "logs")
}

// New creates a Manager and opens (or creates) today's log file.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultLogDir()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	m := &Manager{cfg: cfg}
	if err := m.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSlogHandler returns a text handler that writes through Manager.
func (m *Manager) NewSlogHandler() slog.Handler {
	return slog.NewTextHandler(m, &slog.HandlerOptions{
		Level: m.cfg.Level,
	})
}

// NewLogger returns a *slog.Logger backed by NewSlogHandler.
func (m *Manager) NewLogger() *slog.Logger {
	return slog.New(m.NewSlogHandler())
}

// Write implements io.Writer, rotating by date/size and optionally
// mirroring to stderr.
func (m *Manager) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.rotateIfNeededLocked()

	if m.file != nil {
		n, err = m.file.Write(p)
	}

	if m.cfg.StderrEnabled {
		_, _ = os.Stderr.Write(p)
	}

	return n, err
}

// Close closes the current log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// LogDir returns the configured log directory.
func (m *Manager) LogDir() string {
	return m.cfg.Dir
}

// CurrentLogFile returns the path of the file currently being written.
func (m *Manager) CurrentLogFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return m.file.Name()
	}
	return logFileName(m.cfg.Dir, todayDate())
}

func (m *Manager) rotateIfNeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateIfNeededLocked()
}

func (m *Manager) rotateIfNeededLocked() error {
	today := todayDate()
	needRotate := false

	if m.file == nil {
		needRotate = true
	} else if m.curDate != today {
		needRotate = true
	} else if m.cfg.MaxSizeMB > 0 {
		if info, err := m.file.Stat(); err == nil {
			if info.Size() >= int64(m.cfg.MaxSizeMB)*1024*1024 {
				needRotate = true
			}
		}
	}

	if !needRotate {
		return nil
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	path := logFileName(m.cfg.Dir, today)
	if m.cfg.MaxSizeMB > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() >= int64(m.cfg.MaxSizeMB)*1024*1024 {
			for seq := 1; seq < 100; seq++ {
				candidate := filepath.Join(m.cfg.Dir, fmt.Sprintf("openclaw-china-%s.%d.log", today, seq))
				if _, err := os.Stat(candidate); os.IsNotExist(err) {
					path = candidate
					break
				}
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	m.file = f
	m.curDate = today
	return nil
}

// Cleanup removes log files older than cfg.MaxAgeDays and returns how
// many were removed. A non-positive MaxAgeDays disables cleanup.
func (m *Manager) Cleanup() (int, error) {
	if m.cfg.MaxAgeDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -m.cfg.MaxAgeDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(m.cfg.Dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ListLogFiles lists every *.log file under dir, newest first.
func ListLogFiles(dir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []LogFileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// LogFileInfo describes one log file on disk.
type LogFileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// TotalSize returns the combined size in bytes of every log file under dir.
func TotalSize(dir string) (int64, error) {
	files, err := ListLogFiles(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// TailFile returns the last n non-empty lines of the file at path.
func TailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	if n <= 0 {
		n = 200
	}
	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	var result []string
	for i := start; i < len(lines); i++ {
		if lines[i] != "" {
			result = append(result, lines[i])
		}
	}
	return result, nil
}

// QueryFile returns every line in the file at path containing pattern
// (case-insensitive).
func QueryFile(path, pattern string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(pattern)
	var matches []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

// FollowFile streams newly appended content from path to w until stop
// is closed.
func FollowFile(path string, w io.Writer, stop <-chan struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if readErr != nil {
			if readErr == io.EOF {
				time.Sleep(500 * time.Millisecond)
				continue
			}
			return readErr
		}
	}
}

func todayDate() string {
	return time.Now().Format("2006-01-02")
}

func logFileName(dir, date string) string {
	return filepath.Join(dir, fmt.Sprintf("openclaw-china-%s.log", date))
}
