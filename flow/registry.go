package flow

import (
	"sync"

	"github.com/brianfields/promptflow/types"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]*Flow{}
)

// Register adds a flow to the process-global registry so background workers
// can resolve it by name.
func Register(f *Flow) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Name] = f
}

// Lookup resolves a registered flow, or returns an EXECUTION error.
func Lookup(name string) (*Flow, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	if !ok {
		return nil, types.NewExecutionError("unknown flow: " + name)
	}
	return f, nil
}
