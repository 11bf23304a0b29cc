package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"chanrpc/config"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileRegistry keeps endpoints in a JSON file shared by the processes of one host:
//
//	{"endpoints": ["tcp://127.0.0.1:9000/game?app.id=1", ...]}
//
// The file's directory is watched with fsnotify; every change to the file re-notifies
// all subscribers. Writes replace the file atomically by rename.
type FileRegistry struct {
	path string
	log  *zap.Logger

	mu        sync.Mutex // serializes read-modify-write of the file
	subMu     sync.Mutex
	listeners map[string][]Listener
	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
}

type fileContent struct {
	Endpoints []string `json:"endpoints"`
}

func NewFileRegistry(path string, log *zap.Logger) (*FileRegistry, error) {
	if log == nil {
		log = zap.L()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &FileRegistry{
		path:      abs,
		log:       log.Named("registry.file").With(zap.String("path", abs)),
		listeners: map[string][]Listener{},
		closed:    make(chan struct{}),
	}, nil
}

func (r *FileRegistry) read() (fileContent, error) {
	var fc fileContent
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, err
	}
	if len(data) == 0 {
		return fc, nil
	}
	err = json.Unmarshal(data, &fc)
	return fc, err
}

func (r *FileRegistry) write(fc fileContent) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

// update rewrites the file without the entry for ep's instance, plus add if not "".
func (r *FileRegistry) update(ep *config.Endpoint, add string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc, err := r.read()
	if err != nil {
		return err
	}
	kept := fc.Endpoints[:0]
	for _, raw := range fc.Endpoints {
		if cur, err := config.Parse(raw); err == nil && cur.GroupAndID() == ep.GroupAndID() {
			continue
		}
		kept = append(kept, raw)
	}
	if add != "" {
		kept = append(kept, add)
	}
	fc.Endpoints = kept
	return r.write(fc)
}

func (r *FileRegistry) Register(_ context.Context, ep *config.Endpoint) error {
	if err := r.update(ep, ep.URL()); err != nil {
		return err
	}
	r.log.Info("registered", zap.String("endpoint", ep.GroupAndID()))
	return nil
}

func (r *FileRegistry) Deregister(_ context.Context, ep *config.Endpoint) error {
	return r.update(ep, "")
}

func (r *FileRegistry) Discover(_ context.Context, group string) ([]*config.Endpoint, error) {
	r.mu.Lock()
	fc, err := r.read()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return parseAll(group, fc.Endpoints, r.skip), nil
}

func (r *FileRegistry) Subscribe(ctx context.Context, group string, l Listener) error {
	if err := r.startWatch(); err != nil {
		return err
	}
	eps, err := r.Discover(ctx, group)
	if err != nil {
		return err
	}
	r.subMu.Lock()
	r.listeners[group] = append(r.listeners[group], l)
	r.subMu.Unlock()
	l.Notify(group, eps)
	return nil
}

func (r *FileRegistry) startWatch() error {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	select {
	case <-r.closed:
		return errors.New("registry: closed")
	default:
	}
	if r.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	go r.loop(w)
	return nil
}

func (r *FileRegistry) loop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != r.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.notifyAll()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (r *FileRegistry) notifyAll() {
	r.subMu.Lock()
	subs := make(map[string][]Listener, len(r.listeners))
	for g, ls := range r.listeners {
		subs[g] = append([]Listener(nil), ls...)
	}
	r.subMu.Unlock()

	for group, ls := range subs {
		eps, err := r.Discover(context.Background(), group)
		if err != nil {
			r.log.Warn("reload failed", zap.Error(err))
			return
		}
		for _, l := range ls {
			l.Notify(group, eps)
		}
	}
}

// Close stops watching. The file is left as is.
func (r *FileRegistry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.subMu.Lock()
		close(r.closed)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
		r.subMu.Unlock()
	})
	return err
}

func (r *FileRegistry) skip(raw string, err error) {
	r.log.Warn("skipping malformed entry", zap.String("value", raw), zap.Error(err))
}
