package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/format"
	"github.com/vanlab/van/fs"
	"github.com/vanlab/van/model"
)

// runner is a model ready to serve requests.
type runner struct {
	name       string
	model      model.Model
	checkpoint string
	params     uint64
}

// loadFunc builds the named model and reports the checkpoint it was loaded from,
// if any.
type loadFunc func(name string) (model.Model, string, error)

// loadModel builds a preset and fills it from $VAN_MODELS/<name>.<ext> when such
// a checkpoint exists. Without one the model keeps its random initialization.
func loadModel(name string) (model.Model, string, error) {
	m, err := model.New(name, nil)
	if err != nil {
		return nil, "", err
	}

	path, err := fs.Find(envconfig.ModelsDir, name)
	if errors.Is(err, fs.ErrNotFound) {
		slog.Warn("no checkpoint found, using random weights", "model", name, "error", err)
		return m, "", nil
	} else if err != nil {
		return nil, "", err
	}

	tensors, err := fs.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open checkpoint: %w", err)
	}

	if err := model.Load(m, tensors); err != nil {
		return nil, "", err
	}

	return m, path, nil
}

// models keeps every model that has been requested so far. Loading happens at
// most once per name; concurrent requests for the same model share the load.
type models struct {
	load  loadFunc
	group singleflight.Group

	mu     sync.Mutex
	loaded map[string]*runner
}

func newModels(load loadFunc) *models {
	return &models{load: load, loaded: make(map[string]*runner)}
}

func (s *models) get(name string) (*runner, error) {
	s.mu.Lock()
	r, ok := s.loaded[name]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		start := time.Now()
		m, checkpoint, err := s.load(name)
		if err != nil {
			return nil, err
		}

		r := &runner{name: name, model: m, checkpoint: checkpoint, params: model.Count(m)}
		slog.Info("loaded model", "model", name, "parameters", format.Parameters(r.params), "checkpoint", checkpoint, "duration", time.Since(start))

		s.mu.Lock()
		s.loaded[name] = r
		s.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*runner), nil
}
