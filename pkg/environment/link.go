package environment

import (
	"fmt"
	"sync"

	"github.com/chazu/hotload/pkg/module"
)

// linkEntry memoizes one link hook call.
type linkEntry struct {
	once    sync.Once
	exports *module.Exports
	err     error
}

// linkToken keys the teardown callback that drops an importer's link memo.
type linkToken struct{ env *Environment }

// link returns payload customized for importer, calling hook at most once
// per pair for as long as importer is live.
func (e *Environment) link(importer *module.Instance, payload *module.Exports, hook module.LinkHook) (*module.Exports, error) {
	e.mu.Lock()
	if !importer.Alive() {
		e.mu.Unlock()
		return nil, module.ErrExecutionCancelled
	}
	byPayload, ok := e.links[importer]
	if !ok {
		byPayload = make(map[*module.Exports]*linkEntry)
		e.links[importer] = byPayload
	}
	entry, ok := byPayload[payload]
	if !ok {
		entry = &linkEntry{}
		byPayload[payload] = entry
	}
	e.mu.Unlock()

	importer.OnTeardown(func() { e.forgetLinks(importer) }, linkToken{env: e})

	entry.once.Do(func() {
		entry.exports, entry.err = callLinkHook(hook, importer, payload)
	})
	return entry.exports, entry.err
}

func (e *Environment) forgetLinks(importer *module.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.links, importer)
}

func callLinkHook(hook module.LinkHook, importer *module.Instance, payload *module.Exports) (out *module.Exports, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("link hook panicked: %v", r)
		}
	}()
	out, err = hook(importer, payload)
	if err != nil {
		return nil, fmt.Errorf("link exports into %s: %w", importer.Path(), err)
	}
	if out == nil {
		return payload, nil
	}
	return out, nil
}
