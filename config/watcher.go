// 配置文件变更监听器实现。
//
// 基于轮询与内容校验和检测变更，触发 ACL 等热重载回调。
package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher polls a configuration file and reports content changes.
type FileWatcher struct {
	mu sync.Mutex

	path     string
	interval time.Duration

	running  bool
	stopChan chan struct{}

	callbacks []func(event FileEvent)

	logger *zap.Logger

	// 上次观测到的状态
	exists  bool
	modTime time.Time
	sum     [sha256.Size]byte
}

// FileEvent represents a file change event.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types.
type FileOp int

const (
	// FileOpWrite 文件内容变化（含新建）
	FileOpWrite FileOp = iota
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String returns the string representation of FileOp.
func (op FileOp) String() string {
	switch op {
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher.
type WatcherOption func(*FileWatcher)

// WithPollInterval sets how often the file is checked.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.interval = d
	}
}

// WithWatcherLogger sets the logger for the watcher.
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher creates a watcher for path. A missing file is allowed and
// reported as a write once it appears.
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watch path is empty")
	}
	w := &FileWatcher{
		path:     path,
		interval: time.Second,
		stopChan: make(chan struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
	}
	w.snapshot()
	return w, nil
}

// OnChange registers a callback for file change events.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins polling until ctx is done or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("File watcher started",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop stops the file watcher.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false

	w.logger.Info("File watcher stopped")
	return nil
}

// IsRunning returns whether the watcher is running.
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check compares the file against the last snapshot and fires callbacks on
// a change. Touching the file without changing its content is not a change.
func (w *FileWatcher) Check() {
	w.mu.Lock()
	prevExists, prevSum := w.exists, w.sum
	w.snapshot()
	exists, sum := w.exists, w.sum
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	var event FileEvent
	switch {
	case prevExists && !exists:
		event = FileEvent{Path: w.path, Op: FileOpRemove, Timestamp: time.Now()}
	case exists && (!prevExists || sum != prevSum):
		event = FileEvent{Path: w.path, Op: FileOpWrite, Timestamp: time.Now()}
	default:
		return
	}

	w.logger.Debug("Dispatching file event",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))
	for _, cb := range callbacks {
		cb(event)
	}
}

// snapshot records the current file state. Caller holds mu or owns w.
func (w *FileWatcher) snapshot() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.exists = false
		return
	}
	if w.exists && info.ModTime().Equal(w.modTime) {
		return
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to read watched file", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.exists = true
	w.modTime = info.ModTime()
	w.sum = sha256.Sum256(data)
}
