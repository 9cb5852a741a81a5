package logger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Rotator is an io.Writer over a file that is rotated once it would exceed MaxSize.
// Backups are named Filename.1 (newest) to Filename.MaxBackups.
type Rotator struct {
	Filename   string
	MaxSize    int64 // bytes
	MaxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotator opens (or creates) filename for appending.
func NewRotator(filename string, maxSizeMB int64, maxBackups int) (*Rotator, error) {
	r := &Rotator{
		Filename:   filename,
		MaxSize:    maxSizeMB * 1024 * 1024,
		MaxBackups: maxBackups,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.Filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write rotates first when p would push the file past MaxSize. A failed
// rotation is reported on stderr and the write goes to the current file.
func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.MaxSize > 0 && r.size > 0 && r.size+int64(len(p)) > r.MaxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *Rotator) backup(i int) string { return fmt.Sprintf("%s.%d", r.Filename, i) }

// rotate shifts Filename.i to Filename.i+1, drops the oldest, and starts a new file.
func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	if r.MaxBackups <= 0 {
		if err := os.Remove(r.Filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return r.open()
	}

	os.Remove(r.backup(r.MaxBackups))
	for i := r.MaxBackups - 1; i >= 1; i-- {
		if err := os.Rename(r.backup(i), r.backup(i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(r.Filename, r.backup(1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return r.open()
}

// Sync flushes the current file.
func (r *Rotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	return zapcore.ParseLevel(strings.ToLower(level))
}

// Setup builds the process logger: console lines to stdout and, when
// filename is set, to a size-rotated file. The standard library logger is
// redirected into it. The returned func flushes and closes the file.
func Setup(filename string, maxSizeMB int64, maxBackups int, level string) (*zap.Logger, func(), error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	var rot *Rotator
	if filename != "" {
		rot, err = NewRotator(filename, maxSizeMB, maxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v, using stdout only\n", err)
		} else {
			sinks = append(sinks, rot)
		}
	}

	log := zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), lvl), zap.AddCaller())
	undoGlobals := zap.ReplaceGlobals(log)
	undoStd := zap.RedirectStdLog(log)

	cleanup := func() {
		log.Sync()
		undoStd()
		undoGlobals()
		if rot != nil {
			rot.Close()
		}
	}
	return log, cleanup, nil
}
