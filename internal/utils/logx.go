package utils

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogxManager hands out one named logger per component. With a base path
// every component writes info/error/debug files under its own directory,
// otherwise everything goes to stderr.
type LogxManager struct {
	basePath string
	level    zapcore.Level
	loggers  map[string]*zap.Logger
	files    []*os.File
	mu       sync.RWMutex
}

func NewManager(base string, level string) *LogxManager {
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		lv = zapcore.InfoLevel
	}
	m := &LogxManager{basePath: base, level: lv, loggers: make(map[string]*zap.Logger)}

	if m.basePath != "" {
		if err := os.MkdirAll(m.basePath, 0744); err != nil {
			log.Printf("failed to create base log dir %s: %v", m.basePath, err)
		}
	}
	return m
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

// Logger returns the logger for component, creating it on first use.
func (m *LogxManager) Logger(component string) *zap.Logger {
	m.mu.RLock()
	if lg, ok := m.loggers[component]; ok {
		m.mu.RUnlock()
		return lg
	}
	m.mu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if lg, ok := m.loggers[component]; ok {
		return lg
	}

	encoder := zapcore.NewConsoleEncoder(encoderConfig())
	var core zapcore.Core
	if m.basePath == "" {
		core = zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), m.level)
	} else {
		dir := filepath.Join(m.basePath, component)
		if err := os.MkdirAll(dir, 0744); err != nil {
			log.Printf("failed to create log dir %s: %v", dir, err)
		}

		infoOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "info.log")))
		errorOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "error.log")))
		dbgOut := zapcore.AddSync(m.openLogFile(filepath.Join(dir, "debug.log")))

		infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == zapcore.InfoLevel && m.level.Enabled(l) })
		errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.WarnLevel && m.level.Enabled(l) })
		dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == zapcore.DebugLevel && m.level.Enabled(l) })

		core = zapcore.NewTee(
			zapcore.NewCore(encoder, infoOut, infoLv),
			zapcore.NewCore(encoder, errorOut, errLv),
			zapcore.NewCore(encoder, dbgOut, dbgLv),
		)
	}
	lg := zap.New(core).Named(component)
	m.loggers[component] = lg
	return lg
}

func (m *LogxManager) openLogFile(path string) *os.File {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return os.Stdout
	}
	m.files = append(m.files, f)
	return f
}

// Close flushes every logger and closes the files opened for them.
func (m *LogxManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lg := range m.loggers {
		_ = lg.Sync()
	}
	for _, f := range m.files {
		if err := f.Close(); err != nil {
			log.Printf("[WARNING] failed to close log file %s: %v", f.Name(), err)
		}
	}
	m.files = nil
}
