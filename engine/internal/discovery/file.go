package discovery

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/vllm-router/core/engine/internal/domain"
)

// fileDocument is the JSON schema spec section 6 defines for the dynamic
// file-watched discovery variant.
type fileDocument struct {
	Endpoints []fileEndpoint `json:"endpoints"`
}

type fileEndpoint struct {
	URL        string            `json:"url"`
	ModelLabel string            `json:"model_label"`
	ModelNames []string          `json:"model_names"`
	Tags       []string          `json:"tags"`
	Metadata   map[string]string `json:"metadata"`
}

// fileDebounce coalesces bursts of filesystem events (editors often write a
// file via rename-into-place, firing several events for one logical change).
const fileDebounce = 250 * time.Millisecond

// FileSource watches a JSON document on disk and re-emits the full endpoint
// set whenever it changes. Reload can also be triggered externally (the
// POST /reconfigure HTTP endpoint feeds Trigger()).
type FileSource struct {
	Path    string
	trigger chan struct{}
	log     *zap.Logger
}

// NewFileSource builds a FileSource for path. log may be nil.
func NewFileSource(path string, log *zap.Logger) *FileSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSource{Path: path, trigger: make(chan struct{}, 1), log: log}
}

// Trigger requests an immediate reload, used by POST /reconfigure.
func (f *FileSource) Trigger() {
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

func (f *FileSource) load() ([]domain.Endpoint, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]domain.Endpoint, 0, len(doc.Endpoints))
	for _, e := range doc.Endpoints {
		out = append(out, domain.Endpoint{
			URL:        e.URL,
			ModelLabel: e.ModelLabel,
			ModelNames: toModelSet(e.ModelNames...),
			Tags:       toTagSet(e.Tags...),
			Metadata:   e.Metadata,
			AddedAt:    now,
		})
	}
	return out, nil
}

// Run watches Path for changes (fsnotify) and external Trigger() calls,
// debouncing bursts before re-reading and emitting the file.
func (f *FileSource) Run(ctx context.Context) <-chan []domain.Endpoint {
	out := make(chan []domain.Endpoint, 1)

	if initial, err := f.load(); err == nil {
		out <- initial
	} else {
		f.log.Warn("discovery file initial load failed", zap.String("path", f.Path), zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.log.Error("discovery file watcher unavailable", zap.Error(err))
		close(out)
		return out
	}
	dir := dirOf(f.Path)
	if err := watcher.Add(dir); err != nil {
		f.log.Error("discovery file watch dir failed", zap.String("dir", dir), zap.Error(err))
		_ = watcher.Close()
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()

		var debounceTimer *time.Timer
		var debounceC <-chan time.Time
		reload := func() {
			eps, err := f.load()
			if err != nil {
				f.log.Warn("discovery file reload failed", zap.String("path", f.Path), zap.Error(err))
				return
			}
			select {
			case out <- eps:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != f.Path {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(fileDebounce)
				debounceC = debounceTimer.C
			case <-debounceC:
				debounceC = nil
				reload()
			case <-f.trigger:
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn("discovery file watcher error", zap.Error(err))
			}
		}
	}()

	return out
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
