package graph

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chazu/hotload/pkg/module"
)

// Phase is where one module stands in a reload pass.
type Phase uint8

const (
	Waiting Phase = iota // dependencies not yet loaded
	Loading
	Loaded
	Failed
)

func (p Phase) String() string {
	switch p {
	case Waiting:
		return "Waiting"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// next lists the phases each phase may move to. Failed may go back to
// Loading when the pass retries.
var next = [...][]Phase{
	Waiting: {Loading, Failed},
	Loading: {Loaded, Failed},
	Loaded:  nil,
	Failed:  {Loading},
}

// Step records one module's progress.
type Step struct {
	Phase    Phase
	Err      error
	Attempts int

	Began    time.Time
	Finished time.Time
}

// Progress tracks a reload pass across every module of a snapshot. It is
// safe for concurrent use by the visitors of one wave.
type Progress struct {
	mu    sync.RWMutex
	steps map[module.ID]*Step

	began, ended time.Time
}

// NewProgress starts every id in Waiting.
func NewProgress(ids []module.ID) *Progress {
	p := &Progress{steps: make(map[module.ID]*Step, len(ids)), began: time.Now()}
	for _, id := range ids {
		p.steps[id] = &Step{}
	}
	return p
}

func (p *Progress) lookup(id module.ID) (*Step, error) {
	s, ok := p.steps[id]
	if !ok {
		return nil, fmt.Errorf("module %s is not part of this pass", id)
	}
	return s, nil
}

// Phase reports id's phase. Unknown ids report Waiting.
func (p *Progress) Phase(id module.ID) Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if s, ok := p.steps[id]; ok {
		return s.Phase
	}
	return Waiting
}

// Step returns a copy of id's record.
func (p *Progress) Step(id module.ID) (Step, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.steps[id]
	if !ok {
		return Step{}, false
	}
	return *s, true
}

// Move advances id to phase, rejecting moves the pass never makes.
func (p *Progress) Move(id module.ID, to Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	if int(s.Phase) >= len(next) || !slices.Contains(next[s.Phase], to) {
		return fmt.Errorf("module %s: %s -> %s not allowed", id, s.Phase, to)
	}
	s.Phase = to
	switch to {
	case Loading:
		if s.Began.IsZero() {
			s.Began = time.Now()
		}
		s.Attempts++
	case Loaded:
		s.Err = nil
		s.Finished = time.Now()
	}
	return nil
}

// Fail marks id Failed with err, from any phase.
func (p *Progress) Fail(id module.ID, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, lerr := p.lookup(id)
	if lerr != nil {
		return lerr
	}
	s.Phase, s.Err, s.Finished = Failed, err, time.Now()
	return nil
}

// In returns the ids currently in phase, ascending.
func (p *Progress) In(phase Phase) []module.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ids []module.ID
	for id, s := range p.steps {
		if s.Phase == phase {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Settled reports whether every module is Loaded or Failed.
func (p *Progress) Settled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, s := range p.steps {
		if s.Phase != Loaded && s.Phase != Failed {
			return false
		}
	}
	return true
}

// Errors returns the failure of every Failed module keyed by id.
func (p *Progress) Errors() map[module.ID]error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[module.ID]error)
	for id, s := range p.steps {
		if s.Phase == Failed {
			out[id] = s.Err
		}
	}
	return out
}

// Tally counts modules per phase.
type Tally struct {
	Waiting, Loading, Loaded, Failed int
	Elapsed                          time.Duration
}

// Tally summarizes the pass. Elapsed runs until end is called.
func (p *Progress) Tally() Tally {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var t Tally
	for _, s := range p.steps {
		switch s.Phase {
		case Waiting:
			t.Waiting++
		case Loading:
			t.Loading++
		case Loaded:
			t.Loaded++
		case Failed:
			t.Failed++
		}
	}
	end := p.ended
	if end.IsZero() {
		end = time.Now()
	}
	t.Elapsed = end.Sub(p.began)
	return t
}

// Ended reports whether the executor has finished with the pass.
func (p *Progress) Ended() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.ended.IsZero()
}

func (p *Progress) end() {
	p.mu.Lock()
	p.ended = time.Now()
	p.mu.Unlock()
}
