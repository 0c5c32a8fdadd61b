package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vtonlabs/tryon/envconfig"
	"github.com/vtonlabs/tryon/model"
	_ "github.com/vtonlabs/tryon/model/models"
)

// loadedModel pairs a model with the lock that serializes clips through
// it: the frame cache on the model is per clip state.
type loadedModel struct {
	mu    sync.Mutex
	model model.Model
}

// ModelPath resolves a model name under the models directory. Names are
// plain file stems, never paths.
func ModelPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("model name is required")
	}

	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid model name %q", name)
	}

	return filepath.Join(envconfig.Models, name+".gguf"), nil
}

// load returns the named model, reading it from disk on first use.
func (s *Server) load(name string) (*loadedModel, error) {
	path, err := ModelPath(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if lm, ok := s.loaded[name]; ok {
		return lm, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	m, err := model.New(path)
	if err != nil {
		return nil, err
	}

	lm := &loadedModel{model: m}
	s.loaded[name] = lm
	return lm, nil
}
