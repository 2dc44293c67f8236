// Package backends resolves a backend name to an adapter. The native
// TIDL onnxruntime adapter registers itself here when linked into a
// hardware build.
package backends

import (
	"fmt"
	"sort"

	"github.com/tidlbench/tidlbench/internal/accel"
	"github.com/tidlbench/tidlbench/internal/accel/sim"
)

var registry = map[string]func() (accel.Backend, error){
	"sim": func() (accel.Backend, error) { return sim.New(), nil },
}

// Register adds a backend constructor under a name. Called from adapter
// packages' init functions.
func Register(name string, open func() (accel.Backend, error)) {
	registry[name] = open
}

// Open resolves a backend by name.
func Open(name string) (accel.Backend, error) {
	open, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	return open()
}

// Names lists the registered backend names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
