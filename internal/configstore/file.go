package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// File is a Store backed by the [[configurations]] list of a TOML or YAML file.
type File struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	v        *viper.Viper
	items    map[string]Configuration
	onChange []func([]Configuration)
}

// OpenFile reads path once. Invalid entries are kept; they fail validation when used.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{path: filepath.Clean(path), logger: logger}
	if err := f.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return f, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("toml")
	}
	return v
}

// Refresh re-reads the file.
func (f *File) Refresh(context.Context) error {
	v := newViper(f.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read configurations %s: %w", f.path, err)
	}
	items, err := decode(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.v = v
	f.items = items
	hooks := append([]func([]Configuration){}, f.onChange...)
	f.mu.Unlock()
	list := sorted(items)
	for _, h := range hooks {
		h(list)
	}
	f.logger.Debug("configurations loaded", "path", f.path, "count", len(items))
	return nil
}

func decode(v *viper.Viper) (map[string]Configuration, error) {
	var list []Configuration
	if err := v.UnmarshalKey("configurations", &list); err != nil {
		return nil, fmt.Errorf("decode configurations: %w", err)
	}
	items := make(map[string]Configuration, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if _, dup := items[c.ID]; dup {
			return nil, fmt.Errorf("duplicate configuration id %q", c.ID)
		}
		items[c.ID] = c
	}
	return items, nil
}

func (f *File) List(context.Context) ([]Configuration, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sorted(f.items), nil
}

func (f *File) Get(_ context.Context, id string) (Configuration, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.items[id]
	if !ok {
		return Configuration{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Delete removes the configuration and rewrites the file.
func (f *File) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rest := make([]Configuration, 0, len(f.items)-1)
	for _, c := range sorted(f.items) {
		if c.ID != id {
			rest = append(rest, c)
		}
	}
	f.v.Set("configurations", toMaps(rest))
	if err := f.v.WriteConfig(); err != nil {
		return fmt.Errorf("write configurations %s: %w", f.path, err)
	}
	delete(f.items, id)
	return nil
}

// OnChange registers fn to run after every successful load.
func (f *File) OnChange(fn func([]Configuration)) {
	f.mu.Lock()
	f.onChange = append(f.onChange, fn)
	f.mu.Unlock()
}

// Watch reloads the store whenever the file changes on disk.
// The underlying watcher lives for the rest of the process.
func (f *File) Watch() {
	f.mu.RLock()
	v := f.v
	f.mu.RUnlock()
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := f.Refresh(context.Background()); err != nil {
			f.logger.Warn("reloading configurations failed", "path", f.path, "error", err)
			return
		}
		f.logger.Info("configurations reloaded", "path", f.path, "op", e.Op.String())
	})
	v.WatchConfig()
}

func toMaps(list []Configuration) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, c := range list {
		ep := map[string]any{"host": c.Endpoint.Host, "port": c.Endpoint.Port}
		if c.Endpoint.LocalPort != 0 {
			ep["local_port"] = c.Endpoint.LocalPort
		}
		if c.Endpoint.Device != "" {
			ep["device"] = c.Endpoint.Device
		}
		if c.Endpoint.BaudRate != 0 {
			ep["baud_rate"] = c.Endpoint.BaudRate
		}
		out = append(out, map[string]any{"id": c.ID, "name": c.Name, "type": c.Type, "endpoint": ep})
	}
	return out
}
