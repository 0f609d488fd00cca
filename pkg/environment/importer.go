package environment

import (
	"context"
	"fmt"

	"github.com/authzed/controller-idioms/handler"
	"github.com/authzed/controller-idioms/typedctx"

	"github.com/chazu/hotload/pkg/metrics"
	"github.com/chazu/hotload/pkg/module"
)

// Handler IDs for the import pipeline
const (
	GuardImportID   handler.Key = "guard-import"
	ResolveImportID handler.Key = "resolve-import"
	ClassifyID      handler.Key = "classify-import"
	LoadImportID    handler.Key = "load-import"
	LinkExportsID   handler.Key = "link-exports"
)

// importRequest carries one import through the pipeline and receives its
// result.
type importRequest struct {
	importer  *module.Instance
	specifier string
	opts      module.ImportOptions

	kind    module.Kind
	result  module.ImportResult
	settled bool
}

func (r *importRequest) succeed(e *module.Exports) {
	r.result = module.Ok(e)
	r.settled = true
}

func (r *importRequest) fail(err error) {
	r.result = module.Fail[*module.Exports](err)
	r.settled = true
}

func (r *importRequest) failImport(reason module.ImportReason, err error) {
	r.fail(&module.ImportError{From: r.importer.Path(), Specifier: r.specifier, Reason: reason, Err: err})
}

// target is a specifier resolved to a registered path, or to a payload
// supplied by the import hook.
type target struct {
	path    string
	id      module.ID
	payload *module.Exports
}

// Context keys for the import pipeline
var (
	// CtxImport is the import being processed
	CtxImport = typedctx.NewKey[*importRequest]()

	// CtxTarget is the resolution of the specifier
	CtxTarget = typedctx.NewKey[target]()

	// CtxPayload is the exports to hand out, before linking
	CtxPayload = typedctx.NewKey[*module.Exports]()
)

func (e *Environment) importPipeline() handler.Handler {
	return handler.Chain(
		e.GuardImport(),
		e.ResolveImport(),
		e.ClassifyImport(),
		e.LoadImport(),
		e.LinkExports(),
	).Handler("import")
}

// importerFor returns the import function handed to inst's body.
func (e *Environment) importerFor(inst *module.Instance) module.Importer {
	return module.ImporterFunc(func(ctx context.Context, specifier string, opts module.ImportOptions) module.ImportResult {
		req := &importRequest{importer: inst, specifier: specifier, opts: opts, kind: opts.Kind}
		e.pipeline.Handle(CtxImport.WithValue(ctx, req))
		if !req.settled {
			req.fail(fmt.Errorf("import %q was not settled", specifier))
		}

		outcome := "success"
		switch {
		case req.result.OK():
		case module.IsCancelled(req.result.Err()):
			outcome = "cancelled"
		default:
			outcome = "error"
		}
		metrics.RecordImport(req.kind.String(), outcome)
		return req.result
	})
}

// cancelled settles req if its importer has been unloaded.
func cancelled(req *importRequest) bool {
	if req.importer.Alive() {
		return false
	}
	req.fail(module.ErrExecutionCancelled)
	return true
}

// GuardImportHandler fails imports made by an unloaded instance.
type GuardImportHandler struct {
	next handler.Handler
}

func (h *GuardImportHandler) Handle(ctx context.Context) {
	req := CtxImport.MustValue(ctx)
	if cancelled(req) {
		return
	}
	h.next.Handle(ctx)
}

// GuardImport returns a handler builder that stops imports from unloaded
// instances
func (e *Environment) GuardImport() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&GuardImportHandler{next: handler.Handlers(next).MustOne()},
			GuardImportID,
		)
	}
}

// ResolveImportHandler runs the import hook and registers the resolved
// path.
type ResolveImportHandler struct {
	env  *Environment
	next handler.Handler
}

func (h *ResolveImportHandler) Handle(ctx context.Context) {
	req := CtxImport.MustValue(ctx)

	res, err := h.callHook(ctx, req)
	if cancelled(req) {
		return
	}
	switch {
	case err != nil:
		req.failImport(module.ReasonUnresolvable, err)
		return
	case res.Exports != nil:
		// Hook-provided payloads skip loading entirely
		h.next.Handle(CtxTarget.WithValue(ctx, target{path: res.Path, id: NoRequester, payload: res.Exports}))
		return
	case res.Path == "":
		req.failImport(module.ReasonUnresolvable, fmt.Errorf("import hook returned neither a path nor exports"))
		return
	}

	id := h.env.reg.ID(res.Path)
	if id == req.importer.ID() {
		req.failImport(module.ReasonSelfImport, nil)
		return
	}
	p, _ := h.env.reg.Path(id)
	h.next.Handle(CtxTarget.WithValue(ctx, target{path: p, id: id}))
}

func (h *ResolveImportHandler) callHook(ctx context.Context, req *importRequest) (res Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("import hook panicked: %v", r)
		}
	}()
	requester := Requester{ID: req.importer.ID(), Path: req.importer.Path()}
	return h.env.hook(ctx, requester, req.specifier, req.opts)
}

// ResolveImport returns a handler builder for resolving specifiers
func (e *Environment) ResolveImport() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&ResolveImportHandler{env: e, next: handler.Handlers(next).MustOne()},
			ResolveImportID,
		)
	}
}

// ClassifyImportHandler decides how the resolved path is loaded.
type ClassifyImportHandler struct {
	kinds KindFunc
	next  handler.Handler
}

func (h *ClassifyImportHandler) Handle(ctx context.Context) {
	req := CtxImport.MustValue(ctx)
	t := CtxTarget.MustValue(ctx)
	if t.payload != nil {
		h.next.Handle(ctx)
		return
	}

	if req.kind == module.KindAuto {
		req.kind = h.kinds(t.path)
	}
	if req.kind == module.KindDisallowed {
		req.failImport(module.ReasonDisallowedKind, fmt.Errorf("%s cannot be imported", t.path))
		return
	}
	h.next.Handle(ctx)
}

// ClassifyImport returns a handler builder for choosing the import kind
func (e *Environment) ClassifyImport() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&ClassifyImportHandler{kinds: e.kinds, next: handler.Handlers(next).MustOne()},
			ClassifyID,
		)
	}
}

// LoadImportHandler fetches module imports and loads host imports.
type LoadImportHandler struct {
	env  *Environment
	next handler.Handler
}

func (h *LoadImportHandler) Handle(ctx context.Context) {
	req := CtxImport.MustValue(ctx)
	t := CtxTarget.MustValue(ctx)
	if t.payload != nil {
		h.next.Handle(CtxPayload.WithValue(ctx, t.payload))
		return
	}

	var payload *module.Exports
	switch req.kind {
	case module.KindModule:
		if !req.opts.NoEdge {
			h.env.addEdge(req.importer, t.id)
		}
		res := h.env.Fetch(ctx, t.id, req.importer.ID())
		if cancelled(req) {
			return
		}
		if !res.OK() {
			req.fail(res.Err())
			return
		}
		payload = res.Value()

	case module.KindHost:
		if h.env.host == nil {
			req.failImport(module.ReasonUnresolvable, fmt.Errorf("no host loader for %s", t.path))
			return
		}
		exports, err := h.env.host.Load(ctx, t.path)
		if cancelled(req) {
			return
		}
		if err != nil {
			req.failImport(module.ReasonUnresolvable, err)
			return
		}
		payload = exports

	default:
		req.failImport(module.ReasonDisallowedKind, fmt.Errorf("unsupported kind %s", req.kind))
		return
	}

	h.next.Handle(CtxPayload.WithValue(ctx, payload))
}

// LoadImport returns a handler builder for loading the resolved unit
func (e *Environment) LoadImport() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&LoadImportHandler{env: e, next: handler.Handlers(next).MustOne()},
			LoadImportID,
		)
	}
}

// LinkExportsHandler applies the payload's link hook for the importer. It
// is the last handler and settles the import.
type LinkExportsHandler struct {
	env *Environment
}

func (h *LinkExportsHandler) Handle(ctx context.Context) {
	req := CtxImport.MustValue(ctx)
	if cancelled(req) {
		return
	}

	payload := CtxPayload.MustValue(ctx)
	hook, ok := payload.LinkHook()
	if !ok {
		req.succeed(payload)
		return
	}
	linked, err := h.env.link(req.importer, payload, hook)
	if err != nil {
		req.fail(err)
		return
	}
	req.succeed(linked)
}

// LinkExports returns the final handler builder, which settles the import
func (e *Environment) LinkExports() handler.Builder {
	return func(...handler.Handler) handler.Handler {
		return handler.NewHandler(&LinkExportsHandler{env: e}, LinkExportsID)
	}
}
