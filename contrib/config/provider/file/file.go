// Package file is a config.Source backed by a single JSON (or YAML) file
// on disk, watched for changes with fsnotify.
package file

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/omalloc/surge/contrib/config"
)

const (
	envConfigPath = "SURGE_CONFIG"
	defaultPath   = "config.json"
)

type source struct {
	path string
}

// NewSource returns a config.Source reading the file at path. If path is
// empty, it reads the file named by the SURGE_CONFIG environment variable,
// falling back to ./config.json.
func NewSource(path string) config.Source {
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		path = defaultPath
	}
	return &source{path: path}
}

func (s *source) format() string {
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func (s *source) Load() ([]*config.KeyValue, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return []*config.KeyValue{{
		Key:    s.path,
		Value:  data,
		Format: s.format(),
	}}, nil
}

// Watch opens an fsnotify watch on the file's parent directory, since
// editors and deploy tools commonly replace the file via rename rather
// than an in-place write.
func (s *source) Watch() (config.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &watcher{source: s, fsw: w}, nil
}

type watcher struct {
	source *source
	fsw    *fsnotify.Watcher
}

func (w *watcher) Next() ([]*config.KeyValue, error) {
	target := filepath.Clean(w.source.path)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil, os.ErrClosed
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			return w.source.Load()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil, os.ErrClosed
			}
			return nil, err
		}
	}
}

func (w *watcher) Stop() error {
	return w.fsw.Close()
}
