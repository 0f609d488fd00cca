package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/chazu/hotload/pkg/module"
	"github.com/chazu/hotload/pkg/source"
)

// An HCL module looks like:
//
//	ready = "early"
//
//	import "base" {
//	  path = "./base.hcl"
//	  kind = "module" // optional override
//	  edge = false    // optional, skip the dependency edge
//	}
//
//	exports {
//	  port = import.base.port + 1
//	}
var hclFileSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "ready"},
	},
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "import", LabelNames: []string{"name"}},
		{Type: "exports"},
	},
}

var hclImportSchema = &hcl.BodySchema{
	Attributes: []hcl.AttributeSchema{
		{Name: "path", Required: true},
		{Name: "kind"},
		{Name: "edge"},
	},
}

var hclFunctions = map[string]function.Function{
	"upper":  stdlib.UpperFunc,
	"lower":  stdlib.LowerFunc,
	"join":   stdlib.JoinFunc,
	"concat": stdlib.ConcatFunc,
	"merge":  stdlib.MergeFunc,
	"length": stdlib.LengthFunc,
	"format": stdlib.FormatFunc,
	"max":    stdlib.MaxFunc,
	"min":    stdlib.MinFunc,
}

// HCL compiles modules written in HCL.
type HCL struct{}

// NewHCL returns the HCL compiler.
func NewHCL() *HCL {
	return &HCL{}
}

type hclImport struct {
	name      string
	specifier string
	opts      module.ImportOptions
}

type hclModule struct {
	path    string
	imports []hclImport
	exports hcl.Attributes
	early   bool
}

// Compile decodes the module structure. Export expressions are evaluated
// when the module runs.
func (h *HCL) Compile(ctx context.Context, src *source.Source) (module.Runner, error) {
	file, diags := hclparse.NewParser().ParseHCL(src.Text, src.Path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %w", src.Path, diags)
	}
	content, diags := file.Body.Content(hclFileSchema)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %w", src.Path, diags)
	}

	m := &hclModule{path: src.Path, exports: hcl.Attributes{}}

	if attr, ok := content.Attributes["ready"]; ok {
		mode, err := staticString(attr)
		if err != nil {
			return nil, err
		}
		switch mode {
		case "early":
			m.early = true
		case "late":
		default:
			return nil, fmt.Errorf("%s: ready must be \"early\" or \"late\", got %q", attr.Range, mode)
		}
	}

	seenExports := false
	for _, block := range content.Blocks {
		switch block.Type {
		case "import":
			in, err := decodeImport(block)
			if err != nil {
				return nil, err
			}
			if slices.ContainsFunc(m.imports, func(other hclImport) bool { return other.name == in.name }) {
				return nil, fmt.Errorf("%s: duplicate import %q", block.DefRange, in.name)
			}
			m.imports = append(m.imports, in)
		case "exports":
			if seenExports {
				return nil, fmt.Errorf("%s: duplicate exports block", block.DefRange)
			}
			seenExports = true
			attrs, diags := block.Body.JustAttributes()
			if diags.HasErrors() {
				return nil, fmt.Errorf("decode exports of %s: %w", src.Path, diags)
			}
			m.exports = attrs
		}
	}
	return m, nil
}

func decodeImport(block *hcl.Block) (hclImport, error) {
	in := hclImport{name: block.Labels[0]}
	content, diags := block.Body.Content(hclImportSchema)
	if diags.HasErrors() {
		return in, fmt.Errorf("import %q: %w", in.name, diags)
	}

	var err error
	if in.specifier, err = staticString(content.Attributes["path"]); err != nil {
		return in, err
	}
	if attr, ok := content.Attributes["kind"]; ok {
		kind, err := staticString(attr)
		if err != nil {
			return in, err
		}
		if in.opts.Kind, err = module.ParseKind(kind); err != nil {
			return in, fmt.Errorf("%s: %w", attr.Range, err)
		}
	}
	if attr, ok := content.Attributes["edge"]; ok {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() || val.Type() != cty.Bool || val.IsNull() {
			return in, fmt.Errorf("%s: edge must be a literal bool", attr.Range)
		}
		in.opts.NoEdge = val.False()
	}
	return in, nil
}

func staticString(attr *hcl.Attribute) (string, error) {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return "", fmt.Errorf("%s: %s must be a literal string: %w", attr.Range, attr.Name, diags)
	}
	if val.Type() != cty.String || val.IsNull() || !val.IsKnown() {
		return "", fmt.Errorf("%s: %s must be a string", attr.Range, attr.Name)
	}
	return val.AsString(), nil
}

// Run resolves imports into the "import" variable and evaluates exports.
func (m *hclModule) Run(ctx context.Context, imp module.Importer, inst *module.Instance, exports *module.Exports) error {
	names := slices.Sorted(maps.Keys(m.exports))

	if m.early {
		evalCtx := hclEvalContext(cty.EmptyObjectVal)
		for _, name := range names {
			attr := m.exports[name]
			if len(attr.Expr.Variables()) != 0 {
				continue
			}
			if err := setExport(exports, name, attr, evalCtx); err != nil {
				return err
			}
		}
		inst.MarkReady()
	}

	imported := make(map[string]cty.Value, len(m.imports))
	for _, in := range m.imports {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := imp.Import(ctx, in.specifier, in.opts)
		if !res.OK() {
			return fmt.Errorf("import %s: %w", in.name, res.Err())
		}
		val, err := nativeToCty(res.Value().Map())
		if err != nil {
			return fmt.Errorf("import %s: %w", in.name, err)
		}
		imported[in.name] = val
	}

	evalCtx := hclEvalContext(cty.ObjectVal(imported))
	for _, name := range names {
		if err := setExport(exports, name, m.exports[name], evalCtx); err != nil {
			return err
		}
	}
	return nil
}

func hclEvalContext(imports cty.Value) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"import": imports},
		Functions: hclFunctions,
	}
}

func setExport(exports *module.Exports, name string, attr *hcl.Attribute, evalCtx *hcl.EvalContext) error {
	val, diags := attr.Expr.Value(evalCtx)
	if diags.HasErrors() {
		return fmt.Errorf("export %s: %w", name, diags)
	}
	native, err := ctyToNative(val)
	if err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	return exports.Set(name, native)
}

// nativeToCty converts exported Go data into a cty object. Only values that
// survive a JSON round trip can be imported into HCL.
func nativeToCty(values map[string]any) (cty.Value, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return cty.NilVal, fmt.Errorf("exports are not plain data: %w", err)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(raw, ty)
}

// ctyToNative converts a cty.Value into plain Go data. Whole numbers become
// int, other numbers float64.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
