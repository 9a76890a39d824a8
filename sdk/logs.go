package sdk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/bhandras/gatewaykit/pkg/logger"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName   = "sdk.log"
	logTailLines  = 200
	logMaxSizeMB  = 2
	logMaxBackups = 5
)

// logManager is the writer behind the SDK's logger output. It keeps the
// last logTailLines lines in memory and, once a directory is set, appends
// everything to a rotating file.
type logManager struct {
	mu      sync.Mutex
	file    *lumberjack.Logger
	tail    []string
	partial string
}

func newLogManager() *logManager {
	return &logManager{}
}

var (
	sdkLogs         = newLogManager()
	installLogsOnce sync.Once
)

// installLogs routes the process logger through sdkLogs.
func installLogs() {
	installLogsOnce.Do(func() {
		logger.SetOutput(io.MultiWriter(os.Stderr, sdkLogs))
	})
}

func (m *logManager) setDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("log directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create log directory")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path := filepath.Join(dir, logFileName)
	if m.file != nil {
		if m.file.Filename == path {
			return nil
		}
		_ = m.file.Close()
	}
	m.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}
	return nil
}

// Write implements io.Writer.
func (m *logManager) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	text := m.partial + string(p)
	lines := strings.Split(text, "\n")
	m.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		if line == "" {
			continue
		}
		m.tail = append(m.tail, line)
	}
	if over := len(m.tail) - logTailLines; over > 0 {
		m.tail = append(m.tail[:0], m.tail[over:]...)
	}

	if m.file != nil {
		if _, err := m.file.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (m *logManager) tailText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tail) == 0 {
		return ""
	}
	return strings.Join(m.tail, "\n") + "\n"
}

func (m *logManager) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// logPanic records a recovered panic with its stack. Panics are written
// to stderr as well since the logger itself may be what failed.
func logPanic(context string, value any) {
	line := fmt.Sprintf("GO PANIC: %s: %v\n%s\n", strings.TrimSpace(context), value, debug.Stack())
	fmt.Fprint(os.Stderr, line)
	_, _ = sdkLogs.Write([]byte(line))
}
