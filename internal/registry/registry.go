// Package registry maps API codes to the upstream chatflow endpoints they are served by.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no API is registered under a code.
var ErrNotFound = errors.New("registry: api not found")

// API is one registered upstream chatflow.
type API struct {
	Code        string            `yaml:"code" json:"code" validate:"required,max=64"`
	Name        string            `yaml:"name" json:"name" validate:"max=128"`
	URL         string            `yaml:"url" json:"url" validate:"required,url"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
}

// Store persists registered APIs.
type Store interface {
	GetAPI(ctx context.Context, code string) (API, error)
	UpsertAPI(ctx context.Context, api API) error
	ListAPIs(ctx context.Context) ([]API, error)
}

var validate = validator.New()

// Validate checks the required fields of a.
func (a API) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("registry: api %q: %w", a.Code, err)
	}
	return nil
}

type seedFile struct {
	APIs []API `yaml:"apis"`
}

// LoadFile reads a YAML seed file. Header values may reference environment
// variables as ${NAME}, so credentials need not be kept in the file.
func LoadFile(path string) ([]API, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML. Duplicate codes are rejected.
func Parse(data []byte) ([]API, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("registry: parse seed: %w", err)
	}
	seen := make(map[string]bool, len(seed.APIs))
	out := make([]API, 0, len(seed.APIs))
	for _, api := range seed.APIs {
		api.Code = strings.TrimSpace(api.Code)
		api.URL = strings.TrimSpace(api.URL)
		for k, v := range api.Headers {
			api.Headers[k] = os.ExpandEnv(v)
		}
		if err := api.Validate(); err != nil {
			return nil, err
		}
		if seen[api.Code] {
			return nil, fmt.Errorf("registry: duplicate api code %q", api.Code)
		}
		seen[api.Code] = true
		out = append(out, api)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Import upserts every api into store and returns how many were written.
func Import(ctx context.Context, store Store, apis []API) (int, error) {
	for i, api := range apis {
		if err := store.UpsertAPI(ctx, api); err != nil {
			return i, fmt.Errorf("registry: import %q: %w", api.Code, err)
		}
	}
	return len(apis), nil
}
