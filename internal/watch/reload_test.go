package watch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/chazu/hotload/pkg/module"
)

type fakeInvalidator struct {
	got     []string
	results []*module.ExecResult
}

func (f *fakeInvalidator) InvalidatePaths(_ context.Context, paths []string) []*module.ExecResult {
	f.got = append(f.got, paths...)
	return f.results
}

func TestReload(t *testing.T) {
	boom := errors.New("boom")
	inv := &fakeInvalidator{results: []*module.ExecResult{
		module.FailedExec(1, nil, boom),
		module.FailedExec(2, nil, module.ErrExecutionCancelled),
		module.FailedExec(3, nil, errors.New("bad syntax")),
	}}

	err := Reload(inv, logr.Discard())(context.Background(), []string{"/a.cue", "/b.cue"})
	if !slices.Equal(inv.got, []string{"/a.cue", "/b.cue"}) {
		t.Errorf("invalidated %v", inv.got)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Reload() error = %v, want it to wrap boom", err)
	}
	if strings.Contains(err.Error(), "#2") {
		t.Errorf("cancelled reload reported as failure: %v", err)
	}
	if !strings.Contains(err.Error(), "#3") {
		t.Errorf("error %v does not mention module #3", err)
	}
}

func TestReloadNothingFailed(t *testing.T) {
	inv := &fakeInvalidator{}
	if err := Reload(inv, logr.Logger{})(context.Background(), []string{"/a.cue"}); err != nil {
		t.Errorf("Reload() error = %v", err)
	}
}
