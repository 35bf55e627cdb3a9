/*
Package shared keeps engine contexts which are shared by multiple
pipelines.

Context is created on first Acquire for an engine and closed when the
last holder releases it. Engines are keyed by identity, so they must be
comparable values, pointers in practice.
*/
package shared

import (
	"sync"

	"pipelined.dev/pipeline/engine"
)

type entry struct {
	ctx  engine.Context
	refs int
}

var m = struct {
	sync.Mutex
	contexts map[engine.Engine]*entry
}{
	contexts: map[engine.Engine]*entry{},
}

// ReleaseFunc returns context to the cache. Consequent calls do nothing.
type ReleaseFunc func() error

// Acquire returns shared context of the engine.
func Acquire(e engine.Engine) (engine.Context, ReleaseFunc, error) {
	m.Lock()
	defer m.Unlock()
	en, ok := m.contexts[e]
	if !ok {
		ctx, err := e.NewContext()
		if err != nil {
			return nil, nil, err
		}
		en = &entry{ctx: ctx}
		m.contexts[e] = en
	}
	en.refs++
	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			err = releaseContext(e, en)
		})
		return err
	}
	return en.ctx, release, nil
}

func releaseContext(e engine.Engine, en *entry) error {
	m.Lock()
	defer m.Unlock()
	en.refs--
	if en.refs > 0 {
		return nil
	}
	delete(m.contexts, e)
	return en.ctx.Close()
}

// Refs returns number of holders of the engine context.
func Refs(e engine.Engine) int {
	m.Lock()
	defer m.Unlock()
	if en, ok := m.contexts[e]; ok {
		return en.refs
	}
	return 0
}
