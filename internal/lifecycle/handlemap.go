// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/tomtom215/spawngate/internal/config"
)

// defaultsPtr is the atomically swappable server-wide defaults snapshot.
type defaultsPtr = atomic.Pointer[config.BackendDefaults]

// handleMap is the host→handle routing table. Read-mostly: lookups take a
// read lock; writes happen only on config reload.
type handleMap struct {
	mu sync.RWMutex
	m  map[string]*Handle
}

func (hm *handleMap) init() {
	hm.m = make(map[string]*Handle)
}

func (hm *handleMap) put(h *Handle) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.m[h.hostname] = h
}

func (hm *handleMap) get(hostname string) *Handle {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.m[hostname]
}

func (hm *handleMap) all() []*Handle {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	handles := make([]*Handle, 0, len(hm.m))
	for _, h := range hm.m {
		handles = append(handles, h)
	}
	return handles
}

// diff applies a reload under one write lock: new hosts get handles, kept
// hosts swap config snapshots, and handles for vanished hosts are removed
// from the table and returned for the caller to drain and stop.
func (hm *handleMap) diff(next map[string]config.BackendConfig, result *ReloadResult) []*Handle {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var removed []*Handle
	for hostname, h := range hm.m {
		if _, keep := next[hostname]; !keep {
			removed = append(removed, h)
			delete(hm.m, hostname)
			result.Removed = append(result.Removed, hostname)
		}
	}

	for hostname, backend := range next {
		if h, exists := hm.m[hostname]; exists {
			snapshot := backend
			h.cfg.Store(&snapshot)
			result.Updated = append(result.Updated, hostname)
		} else {
			hm.m[hostname] = newHandle(backend)
			result.Added = append(result.Added, hostname)
		}
	}

	return removed
}
