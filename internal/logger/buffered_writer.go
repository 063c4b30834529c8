package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	DefaultBufferSize    = 32 * 1024
	DefaultFlushInterval = 5 * time.Second
	LogFilePermissions   = 0o600
)

// BufferedFileWriter is a thread-safe buffered log file with periodic
// flushing and optional size based rotation to "<path>.1".
type BufferedFileWriter struct {
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	filePath    string
	bufferSize  int
	maxBytes    int64
	written     int64
	flushTicker *time.Ticker
	stopFlush   chan struct{}
	flushDone   chan struct{}
	closed      bool
}

type BufferedWriterOption func(*BufferedFileWriter)

func WithBufferSize(size int) BufferedWriterOption {
	return func(w *BufferedFileWriter) {
		if size > 0 {
			w.bufferSize = size
		}
	}
}

// WithMaxSizeMB enables rotation once the file grows past mb megabytes.
func WithMaxSizeMB(mb int) BufferedWriterOption {
	return func(w *BufferedFileWriter) {
		if mb > 0 {
			w.maxBytes = int64(mb) * 1024 * 1024
		}
	}
}

// WithFlushInterval sets the auto-flush interval. Zero disables auto-flush.
func WithFlushInterval(interval time.Duration) BufferedWriterOption {
	return func(w *BufferedFileWriter) {
		if w.flushTicker != nil {
			w.flushTicker.Stop()
			w.flushTicker = nil
		}
		if interval > 0 {
			w.flushTicker = time.NewTicker(interval)
		}
	}
}

// NewBufferedFileWriter opens filePath for appending.
func NewBufferedFileWriter(filePath string, opts ...BufferedWriterOption) (*BufferedFileWriter, error) {
	w := &BufferedFileWriter{
		bufferSize:  DefaultBufferSize,
		filePath:    filePath,
		stopFlush:   make(chan struct{}),
		flushDone:   make(chan struct{}),
		flushTicker: time.NewTicker(DefaultFlushInterval),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.openLocked(); err != nil {
		if w.flushTicker != nil {
			w.flushTicker.Stop()
		}
		return nil, err
	}

	if w.flushTicker != nil {
		go w.autoFlushLoop()
	} else {
		close(w.flushDone)
	}
	return w, nil
}

func (w *BufferedFileWriter) openLocked() error {
	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFilePermissions) //nolint:gosec // path from config
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", w.filePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file %s: %w", w.filePath, err)
	}
	w.file = file
	w.written = info.Size()
	w.writer = bufio.NewWriterSize(file, w.bufferSize)
	return nil
}

func (w *BufferedFileWriter) autoFlushLoop() {
	defer close(w.flushDone)
	for {
		select {
		case <-w.stopFlush:
			return
		case <-w.flushTicker.C:
			_ = w.Flush()
		}
	}
}

func (w *BufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return 0, fmt.Errorf("writer is closed")
	}
	if w.maxBytes > 0 && w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.writer.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *BufferedFileWriter) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close before rotation: %w", err)
	}
	if err := os.Rename(w.filePath, w.filePath+".1"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return w.openLocked()
}

// Flush writes buffered data to the OS without fsync.
func (w *BufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return nil
	}
	return w.writer.Flush()
}

// Close flushes, syncs and closes the file. It is idempotent.
func (w *BufferedFileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
		close(w.stopFlush)
	}
	<-w.flushDone

	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, err)
		}
		w.file = nil
	}
	w.writer = nil
	return errors.Join(errs...)
}

func (w *BufferedFileWriter) FilePath() string {
	return w.filePath
}

var _ io.WriteCloser = (*BufferedFileWriter)(nil)
