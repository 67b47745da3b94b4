// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"sort"
	"sync"
)

// Registry holds named saga definitions. It is an explicit, injectable
// object rather than a package-level singleton so multiple independent
// orchestrators can coexist in one process. Registration happens at
// startup; reads dominate afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*SagaDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*SagaDefinition)}
}

// Register validates and stores a definition. It fails with a duplicate-saga
// error if the name is already registered.
func (r *Registry) Register(def *SagaDefinition) error {
	if def == nil {
		return NewValidationError("nil saga definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return NewDuplicateSagaError(def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister registers a definition and panics on error. Intended for
// process-start wiring where a bad definition is a programming error.
func (r *Registry) MustRegister(def *SagaDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition registered under name, or a saga-not-found
// error.
func (r *Registry) Get(name string) (*SagaDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, NewSagaNotFoundError(name)
	}
	return def, nil
}

// Names returns the registered saga names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
