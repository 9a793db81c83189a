package runtime

import (
	"fmt"
	"sync"

	"github.com/questionpy-go/questionpy-server/internal/manifest"
)

// FunctionFactory builds a PackageHost for a manifest.Function location's
// (module, function) pair. Tests register fixtures here instead of needing
// a real subprocess, matching the "for testing" purpose of the Function
// variant in spec.md §3.
type FunctionFactory func(manifest.Manifest) PackageHost

var (
	registryMu sync.Mutex
	registry   = map[string]FunctionFactory{}
)

// RegisterFunction makes a fixture host available under module.function.
func RegisterFunction(module, function string, factory FunctionFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[module+"."+function] = factory
}

// ResolveFunction looks up a previously registered fixture.
func ResolveFunction(module, function string) (FunctionFactory, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[module+"."+function]
	if !ok {
		return nil, fmt.Errorf("runtime: no function host registered for %s.%s", module, function)
	}
	return f, nil
}

// functionHostAdapter wraps a factory-built PackageHost so Load() does
// nothing and Manifest() returns the manifest the Function location
// carried at construction, without any I/O.
type functionHostAdapter struct {
	PackageHost
	m manifest.Manifest
}

func (a *functionHostAdapter) Load(loc manifest.Location, main bool) error { return nil }
func (a *functionHostAdapter) Manifest() (manifest.Manifest, error)        { return a.m, nil }

// NewFunctionHost resolves and constructs the host for a Function location.
func NewFunctionHost(loc manifest.Function) (PackageHost, error) {
	factory, err := ResolveFunction(loc.Module, loc.FuncName)
	if err != nil {
		return nil, err
	}
	inner := factory(loc.Manifest)
	return &functionHostAdapter{PackageHost: inner, m: loc.Manifest}, nil
}
