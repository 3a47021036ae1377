package connectivity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"

	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
)

// FileSource feeds a monitor from a status file holding "online" or "offline".
// The parent directory is watched so editors and scripts that replace the file
// by rename are still seen.
type FileSource struct {
	path    string
	monitor interfaces.ConnectivityMonitor
	logger  arbor.ILogger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileSource creates a source for path. Start must be called before it emits signals.
func NewFileSource(path string, monitor interfaces.ConnectivityMonitor, logger arbor.ILogger) *FileSource {
	return &FileSource{
		path:    path,
		monitor: monitor,
		logger:  logger,
	}
}

// ParseStatus maps status file content to a state
func ParseStatus(content string) (online bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "online", "up", "1", "true":
		return true, true
	case "offline", "down", "0", "false":
		return false, true
	default:
		return false, false
	}
}

// Start reads the current status, if the file exists, and begins watching
func (fs *FileSource) Start() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.running {
		return fmt.Errorf("file source already running")
	}

	absPath, err := filepath.Abs(fs.path)
	if err != nil {
		return fmt.Errorf("failed to resolve status file %s: %w", fs.path, err)
	}
	fs.path = absPath

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch status directory %s: %w", filepath.Dir(fs.path), err)
	}

	fs.watcher = watcher
	fs.done = make(chan struct{})
	fs.running = true

	fs.readStatus()

	fs.wg.Add(1)
	go fs.processEvents()

	fs.logger.Info().Str("path", fs.path).Msg("Watching connectivity status file")
	return nil
}

// Stop ends the watch and blocks until the event loop has exited
func (fs *FileSource) Stop() error {
	fs.mu.Lock()
	if !fs.running {
		fs.mu.Unlock()
		return nil
	}
	fs.running = false
	fs.mu.Unlock()

	close(fs.done)
	err := fs.watcher.Close()
	fs.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (fs *FileSource) processEvents() {
	defer fs.wg.Done()

	for {
		select {
		case <-fs.done:
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fs.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				fs.readStatus()
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn().Err(err).Str("path", fs.path).Msg("Status file watcher error")
		}
	}
}

func (fs *FileSource) readStatus() {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fs.logger.Warn().Err(err).Str("path", fs.path).Msg("Failed to read status file")
		}
		return
	}

	online, ok := ParseStatus(string(data))
	if !ok {
		// Partial writes show up as empty content; the next write event carries the value
		if strings.TrimSpace(string(data)) != "" {
			fs.logger.Warn().Str("path", fs.path).Str("content", strings.TrimSpace(string(data))).Msg("Unrecognised connectivity status")
		}
		return
	}

	fs.monitor.SetOnline(online)
}
