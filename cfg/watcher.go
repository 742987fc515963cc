package cfg

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/log"
	"github.com/hatlonely/fieldflow/log/logger"
)

// WatcherOptions 配置文件监听选项
type WatcherOptions struct {
	Path string `cfg:"path" validate:"required"`
}

// Watcher 监听配置文件，文件写入或重建后依次回调 OnChange 注册的函数
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.RWMutex
	onChange []func(path string) error
	once     sync.Once
	done     chan struct{}

	logger logger.Logger
}

func NewWatcherWithOptions(options *WatcherOptions) (*Watcher, error) {
	if options == nil || options.Path == "" {
		return nil, errors.New("file path is required")
	}

	absPath, err := filepath.Abs(options.Path)
	if err != nil {
		return nil, errors.Wrap(err, "invalid file path")
	}

	return &Watcher{
		path:   absPath,
		done:   make(chan struct{}),
		logger: log.Default().WithGroup("cfg"),
	}, nil
}

func (w *Watcher) SetLogger(logger logger.Logger) {
	w.logger = logger
}

func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) OnChange(fn func(path string) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Watch 启动监听，重复调用只生效一次
func (w *Watcher) Watch() error {
	var initErr error
	w.once.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			initErr = errors.Wrap(err, "failed to create file watcher")
			return
		}
		// 监听所在目录，编辑器保存时可能重建文件
		if err := watcher.Add(filepath.Dir(w.path)); err != nil {
			watcher.Close()
			initErr = errors.Wrap(err, "failed to add directory to watcher")
			return
		}

		w.mu.Lock()
		w.watcher = watcher
		w.mu.Unlock()

		go w.loop(watcher)
	})
	return initErr
}

func (w *Watcher) loop(watcher *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.mu.RLock()
			handlers := make([]func(path string) error, len(w.onChange))
			copy(handlers, w.onChange)
			w.mu.RUnlock()

			for _, handler := range handlers {
				if err := handler(w.path); err != nil {
					w.logger.Warn("config change handler failed", "path", w.path, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}

// Close 停止监听，未启动时直接返回
func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-w.done
	return err
}
