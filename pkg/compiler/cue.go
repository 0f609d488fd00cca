package compiler

import (
	"context"
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"

	"github.com/chazu/hotload/pkg/module"
	"github.com/chazu/hotload/pkg/source"
)

// cuePrelude is appended to every CUE module. It fixes the shape of the
// fields the runtime reads and writes:
//
//	imports: name: "specifier"   // resolved in declaration order
//	deps: name: {...}            // filled with the exports of each import
//	exports: {...}               // published when concrete
//	ready: "early"               // publish concrete exports before importing
const cuePrelude = `
imports: [string]: string
deps: _
exports: {...}
ready: *"late" | "early"
`

var (
	importsPath = cue.ParsePath("imports")
	exportsPath = cue.ParsePath("exports")
	readyPath   = cue.ParsePath("ready")
)

// CUE compiles modules written in CUE.
type CUE struct{}

// NewCUE returns the CUE compiler.
func NewCUE() *CUE {
	return &CUE{}
}

type cueImport struct {
	name      string
	specifier string
}

type cueModule struct {
	path    string
	text    []byte
	imports []cueImport
	early   bool
}

// Compile parses the module and reads its import table. Each Run evaluates
// the text again in a fresh context.
func (c *CUE) Compile(ctx context.Context, src *source.Source) (module.Runner, error) {
	if _, err := parser.ParseFile(src.Path, src.Text); err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.Path, err)
	}

	text := slices.Concat(src.Text, []byte(cuePrelude))
	v := cuecontext.New().CompileBytes(text, cue.Filename(src.Path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("build %s: %w", src.Path, err)
	}

	m := &cueModule{path: src.Path, text: text}

	iter, err := v.LookupPath(importsPath).Fields()
	if err != nil {
		return nil, fmt.Errorf("read imports of %s: %w", src.Path, err)
	}
	for iter.Next() {
		spec, err := iter.Value().String()
		if err != nil {
			return nil, fmt.Errorf("import %s of %s: %w", iter.Selector(), src.Path, err)
		}
		m.imports = append(m.imports, cueImport{name: iter.Selector().Unquoted(), specifier: spec})
	}

	ready, _ := v.LookupPath(readyPath).Default()
	mode, err := ready.String()
	if err != nil {
		return nil, fmt.Errorf("ready of %s: %w", src.Path, err)
	}
	m.early = mode == "early"
	return m, nil
}

// Run imports every dependency into deps and publishes exports.
func (m *cueModule) Run(ctx context.Context, imp module.Importer, inst *module.Instance, exports *module.Exports) error {
	v := cuecontext.New().CompileBytes(m.text, cue.Filename(m.path))
	if err := v.Err(); err != nil {
		return err
	}

	if m.early {
		if err := publishConcrete(v.LookupPath(exportsPath), exports); err != nil {
			return err
		}
		inst.MarkReady()
	}

	for _, in := range m.imports {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := imp.Import(ctx, in.specifier, module.ImportOptions{})
		if !res.OK() {
			return fmt.Errorf("import %s: %w", in.name, res.Err())
		}
		v = v.FillPath(cue.MakePath(cue.Str("deps"), cue.Str(in.name)), res.Value().Map())
	}

	out := v.LookupPath(exportsPath)
	if err := out.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("exports: %w", err)
	}
	var values map[string]any
	if err := out.Decode(&values); err != nil {
		return fmt.Errorf("decode exports: %w", err)
	}
	for name, value := range values {
		if err := exports.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// publishConcrete sets every export that does not depend on an import.
func publishConcrete(v cue.Value, exports *module.Exports) error {
	iter, err := v.Fields()
	if err != nil {
		return fmt.Errorf("read exports: %w", err)
	}
	for iter.Next() {
		field := iter.Value()
		if field.Validate(cue.Concrete(true)) != nil {
			continue
		}
		var value any
		if err := field.Decode(&value); err != nil {
			return fmt.Errorf("decode export %s: %w", iter.Selector(), err)
		}
		if err := exports.Set(iter.Selector().Unquoted(), value); err != nil {
			return err
		}
	}
	return nil
}
