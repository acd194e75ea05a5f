package config

import (
	"strings"
	"sync/atomic"
)

// Enablement answers whether a queue type is enabled, from the Types section of the queue
// configuration. Update swaps in a new revision, so a running process can toggle types without
// rebuilding its queues.
type Enablement struct {
	types atomic.Pointer[map[string]QueueTypeConfig]
}

// NewEnablement builds an Enablement from cfg.
func NewEnablement(cfg QueueConfig) *Enablement {
	e := &Enablement{}
	e.Update(cfg)
	return e
}

// Update replaces the enablement state with the types in cfg.
func (e *Enablement) Update(cfg QueueConfig) {
	types := make(map[string]QueueTypeConfig, len(cfg.Types))
	for name, typ := range cfg.Types {
		types[strings.ToLower(strings.TrimSpace(name))] = typ
	}
	e.types.Store(&types)
}

// Enabled reports whether name is enabled. Types missing from the configuration are disabled.
func (e *Enablement) Enabled(name string) bool {
	if e == nil {
		return false
	}
	types := e.types.Load()
	if types == nil {
		return false
	}
	typ, ok := (*types)[strings.ToLower(strings.TrimSpace(name))]
	return ok && typ.IsEnabled()
}
