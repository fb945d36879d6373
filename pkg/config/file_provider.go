package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// DatasetProvider serves dataset declarations from a file and reloads them when
// the file changes. A failed reload keeps the previous snapshot.
type DatasetProvider struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers []chan Snapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewDatasetProvider loads the file and starts watching it. Unlike a reload,
// the initial load must succeed.
func NewDatasetProvider(path string, logger *slog.Logger) (*DatasetProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &DatasetProvider{
		path:     absPath,
		logger:   logger.With("component", "dataset_provider", "path", absPath),
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the latest snapshot.
func (p *DatasetProvider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot.Clone()
}

// Datasets returns the declarations of the current snapshot.
func (p *DatasetProvider) Datasets() []domain.Dataset {
	return p.Current().Datasets
}

// Subscribe returns a channel that receives snapshots after each reload.
// The current snapshot is delivered immediately.
func (p *DatasetProvider) Subscribe() <-chan Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Snapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot.Clone()
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *DatasetProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done
	return err
}

func (p *DatasetProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.load(); err != nil {
						p.logger.Error("dataset reload failed, keeping previous declarations", "error", err)
						return
					}
					p.logger.Info("dataset declarations reloaded", "generation", p.generation())
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("dataset watcher error", "error", err)
		}
	}
}

func (p *DatasetProvider) generation() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot.Generation
}

func (p *DatasetProvider) load() error {
	datasets, err := LoadDatasets(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.snapshot = Snapshot{
		Generation: p.snapshot.Generation + 1,
		LoadedAt:   time.Now().UTC(),
		Datasets:   datasets,
	}
	next := p.snapshot.Clone()
	subscribers := make([]chan Snapshot, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- next:
		default:
			// Drop the stale pending snapshot so the subscriber sees the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	return nil
}
