// Package backend holds the tables that say which storage backends a
// parameterised test runs against, and how to reach each of them.
package backend

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

//go:embed matrix.yaml
var defaultMatrix []byte

// Names of the sets in the default matrix.
const (
	AllStorage               = "all_storage"
	MovingWindowStorage      = "moving_window_storage"
	AsyncAllStorage          = "async_all_storage"
	AsyncMovingWindowStorage = "async_moving_window_storage"
)

// AsyncPrefix marks a URI whose storage is driven in cooperative mode.
const AsyncPrefix = "async+"

// ErrUnknownBackend is returned when a set or backend is not in a matrix.
var ErrUnknownBackend = errors.New("backend: unknown backend")

// Mark is an availability marker attached to a backend.
type Mark string

const (
	MarkRedis         Mark = "redis"
	MarkRedisCluster  Mark = "redis_cluster"
	MarkRedisSentinel Mark = "redis_sentinel"
	MarkMemcached     Mark = "memcached"
	MarkMongoDB       Mark = "mongodb"
	MarkEtcd          Mark = "etcd"
	// MarkFlaky is informational and never gates a backend.
	MarkFlaky Mark = "flaky"
)

// Options are backend-specific connection options, passed through to storage.
type Options map[string]any

// Bool returns the option as a bool, false if absent or not convertible.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	return cast.ToBool(v)
}

// String returns the option as a string, empty if absent.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok {
		return ""
	}
	return cast.ToString(v)
}

// Int returns the option as an int, or def if absent or not convertible.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// Backend is one row of a backend table.
type Backend struct {
	ID      string  `yaml:"id"`
	URI     string  `yaml:"uri"`
	Options Options `yaml:"options,omitempty"`
	Fixture string  `yaml:"fixture,omitempty"`
	Marks   []Mark  `yaml:"marks,omitempty"`
}

// Async reports whether the URI asks for cooperative mode.
func (b Backend) Async() bool {
	return strings.HasPrefix(b.URI, AsyncPrefix)
}

// Scheme returns the URI scheme without the async prefix, e.g.
// "redis+cluster" for "async+redis+cluster://localhost:7001/".
func (b Backend) Scheme() string {
	uri := strings.TrimPrefix(b.URI, AsyncPrefix)
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return ""
	}
	return scheme
}

// HasMark reports whether m is attached to the backend.
func (b Backend) HasMark(m Mark) bool {
	for _, have := range b.Marks {
		if have == m {
			return true
		}
	}
	return false
}

// Runnable reports whether every gating mark of the backend is enabled.
func (b Backend) Runnable(sel Selector) bool {
	for _, m := range b.Marks {
		if m == MarkFlaky {
			continue
		}
		if sel == nil || !sel.Enabled(m) {
			return false
		}
	}
	return true
}

// Set is a named, ordered group of backends.
type Set struct {
	Name     string
	Backends []Backend
}

// Get returns the backend with the given ID.
func (s Set) Get(id string) (Backend, error) {
	for _, b := range s.Backends {
		if b.ID == id {
			return b, nil
		}
	}
	return Backend{}, fmt.Errorf("%w: %q in set %q", ErrUnknownBackend, id, s.Name)
}

// Matrix is a collection of sets keyed by name.
type Matrix map[string]Set

// Set returns the named set.
func (m Matrix) Set(name string) (Set, error) {
	s, ok := m[name]
	if !ok {
		return Set{}, fmt.Errorf("%w: set %q", ErrUnknownBackend, name)
	}
	return s, nil
}

// Names returns the set names in sorted order.
func (m Matrix) Names() []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load decodes a YAML matrix: a mapping of set name to a list of backends.
func Load(r io.Reader) (Matrix, error) {
	var raw map[string][]Backend
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode backend matrix: %w", err)
	}

	m := make(Matrix, len(raw))
	for name, backends := range raw {
		seen := make(map[string]bool, len(backends))
		for i, b := range backends {
			if b.ID == "" || b.URI == "" {
				return nil, fmt.Errorf("backend matrix: set %q entry %d needs an id and a uri", name, i)
			}
			if seen[b.ID] {
				return nil, fmt.Errorf("backend matrix: set %q has duplicate id %q", name, b.ID)
			}
			seen[b.ID] = true
		}
		m[name] = Set{Name: name, Backends: backends}
	}
	return m, nil
}

// Default returns the built-in matrix.
func Default() Matrix {
	m, err := Load(bytes.NewReader(defaultMatrix))
	if err != nil {
		panic(fmt.Sprintf("built-in backend matrix: %v", err))
	}
	return m
}
