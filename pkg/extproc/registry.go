// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package extproc

import (
	"fmt"
	"sync"
)

// registry tracks the processor of every live stream. It is touched only
// when a stream opens or closes.
type registry struct {
	mu      sync.Mutex
	streams map[string]*Processor
}

func newRegistry() *registry {
	return &registry{streams: make(map[string]*Processor)}
}

func (r *registry) add(p *Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.StreamID()
	if _, ok := r.streams[id]; ok {
		return fmt.Errorf("stream %s already registered", id)
	}
	r.streams[id] = p
	return nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
