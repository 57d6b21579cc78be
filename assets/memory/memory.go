// Package memory provides an in-memory asset loader with optional latency
// and failure injection.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/assets"
	"github.com/gogpu/mipstream/bake"
)

// Loader serves payloads from a map. It is safe for concurrent use.
type Loader struct {
	mu       sync.RWMutex
	data     map[mipstream.AssetRef][]byte
	failures map[mipstream.AssetRef]error
	latency  time.Duration

	loads atomic.Uint64
}

// New creates an empty loader.
func New() *Loader {
	return &Loader{
		data:     make(map[mipstream.AssetRef][]byte),
		failures: make(map[mipstream.AssetRef]error),
	}
}

// Put stores the payload of ref.
func (l *Loader) Put(ref mipstream.AssetRef, data []byte) {
	l.mu.Lock()
	l.data[ref] = data
	l.mu.Unlock()
}

// PutChain stores every streamed level of c under bake.LevelRef and
// returns the chain's descriptor.
func (l *Loader) PutChain(c *bake.Chain, persistent int) *mipstream.Descriptor {
	d := c.Descriptor(persistent, nil)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, src := range d.Levels {
		if src.Asset != "" {
			l.data[src.Asset] = c.Levels[i]
		}
	}
	return d
}

// Delete removes ref.
func (l *Loader) Delete(ref mipstream.AssetRef) {
	l.mu.Lock()
	delete(l.data, ref)
	l.mu.Unlock()
}

// Fail makes every load of ref fail with err until Fail(ref, nil).
func (l *Loader) Fail(ref mipstream.AssetRef, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, ref)
		return
	}
	l.failures[ref] = err
}

// SetLatency delays every load by d.
func (l *Loader) SetLatency(d time.Duration) {
	l.mu.Lock()
	l.latency = d
	l.mu.Unlock()
}

// Loads returns the number of Load calls.
func (l *Loader) Loads() uint64 {
	return l.loads.Load()
}

// Len returns the number of stored payloads.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.data)
}

// Load implements mipstream.AssetLoader.
func (l *Loader) Load(ctx context.Context, ref mipstream.AssetRef) ([]byte, error) {
	l.loads.Add(1)

	l.mu.RLock()
	latency := l.latency
	l.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if err, ok := l.failures[ref]; ok {
		return nil, err
	}
	data, ok := l.data[ref]
	if !ok {
		return nil, errors.Wrapf(assets.ErrNotFound, "%s", ref)
	}
	return data, nil
}

var _ mipstream.AssetLoader = (*Loader)(nil)
