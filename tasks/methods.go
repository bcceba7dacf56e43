package tasks

import (
	"context"
	"sort"
)

// Method is a callable step body. input is the mapped view of the instance
// data; a non-nil error routes the sub-step into retry or error handling.
// For check methods a nil result means "not yet", any other value means
// the checked method took effect.
type Method func(ctx context.Context, input map[string]any) (any, error)

// Resolver maps method names to callables.
type Resolver interface {
	Lookup(name string) (Method, bool)
}

// Methods is a Resolver backed by a map.
type Methods map[string]Method

// Lookup returns the method registered under name.
func (m Methods) Lookup(name string) (Method, bool) {
	fn, ok := m[name]
	return fn, ok && fn != nil
}

// Names returns the registered method names, sorted.
func (m Methods) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge copies every method of other into m, replacing duplicates.
func (m Methods) Merge(other Methods) Methods {
	for name, fn := range other {
		m[name] = fn
	}
	return m
}
