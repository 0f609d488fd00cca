package environment

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chazu/hotload/pkg/module"
)

var _ = Describe("Environment", func() {
	const (
		timeout  = time.Second * 5
		interval = time.Millisecond * 5
	)

	var (
		h   *harness
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(Options{Name: "test"})
	})

	Context("when fetching", func() {
		It("shares one execution between concurrent callers", func() {
			gate := make(chan struct{})
			h.put("/slow", func(_ context.Context, _ module.Importer, _ *module.Instance, exports *module.Exports) error {
				<-gate
				return exports.Set("v", 1)
			})

			const callers = 8
			results := make([]*module.ExecResult, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i] = h.fetch("/slow")
				}()
			}
			Eventually(func() int { return h.runCount("/slow") }, timeout, interval).Should(Equal(1))
			close(gate)
			wg.Wait()

			for _, res := range results {
				Expect(res).To(BeIdenticalTo(results[0]))
			}
			Expect(exported(results[0], "v")).To(Equal(1))
			Expect(h.runCount("/slow")).To(Equal(1))
			Expect(h.tbl.Compiles("/slow")).To(Equal(1))
			Expect(h.fetch("/slow")).To(BeIdenticalTo(results[0]))
		})

		It("caches failures as results", func() {
			res := h.fetch("/missing")
			Expect(res.OK()).To(BeFalse())

			var compileErr *module.CompileError
			Expect(errors.As(res.Err(), &compileErr)).To(BeTrue())
			Expect(h.fetch("/missing")).To(BeIdenticalTo(res))
		})

		It("reports body failures to the error hook", func() {
			var (
				mu     sync.Mutex
				failed []module.ID
			)
			h = newHarness(Options{ErrorHook: func(id module.ID, err error) {
				mu.Lock()
				defer mu.Unlock()
				failed = append(failed, id)
			}})
			h.put("/bad", func(context.Context, module.Importer, *module.Instance, *module.Exports) error {
				return errors.New("boom")
			})

			res := h.fetch("/bad")
			var execErr *module.ExecutionError
			Expect(errors.As(res.Err(), &execErr)).To(BeTrue())
			Expect(execErr.Path).To(Equal("/bad"))

			mu.Lock()
			defer mu.Unlock()
			Expect(failed).To(Equal([]module.ID{h.id("/bad")}))
		})

		It("turns panicking bodies into execution errors", func() {
			h.put("/panic", func(context.Context, module.Importer, *module.Instance, *module.Exports) error {
				panic("boom")
			})
			res := h.fetch("/panic")
			Expect(res.Err()).To(MatchError(ContainSubstring("panic: boom")))
		})

		It("seals exports once the body returns", func() {
			h.value("/m", "v", 1)
			res := h.fetch("/m")
			Expect(res.Value().Sealed()).To(BeTrue())
			Expect(res.Value().Set("w", 2)).To(MatchError(module.ErrSealed))
		})

		It("rejects unknown ids", func() {
			res := h.env.Fetch(ctx, 42, NoRequester)
			Expect(res.OK()).To(BeFalse())
			Expect(res.ID).To(Equal(module.ID(42)))
		})
	})

	Context("when importing", func() {
		It("resolves relative specifiers and records edges", func() {
			h.value("/lib/util", "v", "u")
			h.put("/app/main", importAll("v", "../lib/util"))

			res := h.fetch("/app/main")
			Expect(res.Err()).NotTo(HaveOccurred())
			Expect(exported(res, "../lib/util")).To(Equal("u"))

			main, util := h.id("/app/main"), h.id("/lib/util")
			Expect(h.env.Edges()).To(HaveKeyWithValue(main, []module.ID{util}))
			Expect(h.env.ArchetypeOf(main).Deps()).To(Equal([]module.ID{util}))
		})

		It("fails self imports", func() {
			h.put("/self", importAll("v", "/self"))

			var importErr *module.ImportError
			Expect(errors.As(h.fetch("/self").Err(), &importErr)).To(BeTrue())
			Expect(importErr.Reason).To(Equal(module.ReasonSelfImport))
		})

		It("fails disallowed kinds", func() {
			h.put("/m", importAll("v", "/notes.txt"))

			var importErr *module.ImportError
			Expect(errors.As(h.fetch("/m").Err(), &importErr)).To(BeTrue())
			Expect(importErr.Reason).To(Equal(module.ReasonDisallowedKind))
			Expect(h.runCount("/notes.txt")).To(BeZero())
		})

		It("honours an explicit kind over the extension", func() {
			h.value("/notes.txt", "v", "text")
			h.put("/m", func(ctx context.Context, imp module.Importer, _ *module.Instance, exports *module.Exports) error {
				res := imp.Import(ctx, "/notes.txt", module.ImportOptions{Kind: module.KindModule})
				if !res.OK() {
					return res.Err()
				}
				v, _ := res.Value().Get("v")
				return exports.Set("v", v)
			})
			Expect(exported(h.fetch("/m"), "v")).To(Equal("text"))
		})

		It("loads host units through the host loader", func() {
			host := NewHostTable()
			host.Register("/native.so", module.ExportsOf(map[string]any{"v": "native"}))
			h = newHarness(Options{HostLoader: host})
			h.put("/m", importAll("v", "/native.so"))

			res := h.fetch("/m")
			Expect(exported(res, "/native.so")).To(Equal("native"))
			Expect(h.env.Edges()[h.id("/m")]).To(BeEmpty())
		})

		It("fails host imports without a host loader", func() {
			h.put("/m", importAll("v", "/native.so"))

			var importErr *module.ImportError
			Expect(errors.As(h.fetch("/m").Err(), &importErr)).To(BeTrue())
			Expect(importErr.Reason).To(Equal(module.ReasonUnresolvable))
		})

		It("uses exports supplied by the import hook", func() {
			virtual := module.ExportsOf(map[string]any{"v": "virtual"})
			h = newHarness(Options{ImportHook: func(ctx context.Context, r Requester, s string, o module.ImportOptions) (Resolution, error) {
				if s == "virtual:config" {
					return Resolution{Exports: virtual}, nil
				}
				return DefaultImportHook("/")(ctx, r, s, o)
			}})
			h.put("/m", importAll("v", "virtual:config"))

			Expect(exported(h.fetch("/m"), "virtual:config")).To(Equal("virtual"))
		})

		It("reports import hook failures as unresolvable", func() {
			h = newHarness(Options{ImportHook: func(context.Context, Requester, string, module.ImportOptions) (Resolution, error) {
				panic("hook exploded")
			}})
			h.put("/m", importAll("v", "/dep"))

			var importErr *module.ImportError
			Expect(errors.As(h.fetch("/m").Err(), &importErr)).To(BeTrue())
			Expect(importErr.Reason).To(Equal(module.ReasonUnresolvable))
			Expect(importErr.Err).To(MatchError(ContainSubstring("hook exploded")))
		})

		It("skips the edge when asked to", func() {
			h.value("/dep", "v", 1)
			h.put("/m", func(ctx context.Context, imp module.Importer, _ *module.Instance, _ *module.Exports) error {
				return imp.Import(ctx, "/dep", module.ImportOptions{NoEdge: true}).Err()
			})
			Expect(h.fetch("/m").OK()).To(BeTrue())

			Expect(h.env.Edges()[h.id("/m")]).To(BeEmpty())
			Expect(h.env.Unload(ctx, []module.ID{h.id("/dep")})).To(Equal([]module.ID{h.id("/dep")}))
			_, live := h.env.Instance(h.id("/m"))
			Expect(live).To(BeTrue())
		})

		It("places modules with the same imports in one archetype regardless of order", func() {
			h.value("/p", "v", "p")
			h.value("/q", "v", "q")
			h.put("/x1", importAll("v", "/p", "/q"))
			h.put("/x2", importAll("v", "/q", "/p"))
			Expect(h.fetch("/x1").OK()).To(BeTrue())
			Expect(h.fetch("/x2").OK()).To(BeTrue())

			a1 := h.env.ArchetypeOf(h.id("/x1"))
			Expect(a1).To(BeIdenticalTo(h.env.ArchetypeOf(h.id("/x2"))))
			Expect(a1.Members()).To(Equal([]module.ID{h.id("/x1"), h.id("/x2")}))
		})

		It("links a payload once per importer", func() {
			var (
				mu    sync.Mutex
				links []string
			)
			h.put("/shared", func(_ context.Context, _ module.Importer, _ *module.Instance, exports *module.Exports) error {
				exports.SetLinkHook(func(importer *module.Instance, payload *module.Exports) (*module.Exports, error) {
					mu.Lock()
					links = append(links, importer.Path())
					mu.Unlock()
					return module.ExportsOf(map[string]any{"for": importer.Path()}), nil
				})
				return nil
			})
			twice := func(ctx context.Context, imp module.Importer, _ *module.Instance, exports *module.Exports) error {
				first := imp.Import(ctx, "/shared", module.ImportOptions{})
				second := imp.Import(ctx, "/shared", module.ImportOptions{})
				if first.Value() != second.Value() {
					return errors.New("link was not memoized")
				}
				v, _ := first.Value().Get("for")
				return exports.Set("for", v)
			}
			h.put("/i1", twice)
			h.put("/i2", twice)

			Expect(exported(h.fetch("/i1"), "for")).To(Equal("/i1"))
			Expect(exported(h.fetch("/i2"), "for")).To(Equal("/i2"))

			mu.Lock()
			Expect(links).To(ConsistOf("/i1", "/i2"))
			mu.Unlock()

			h.env.Invalidate(ctx, []module.ID{h.id("/i1")})
			mu.Lock()
			Expect(links).To(HaveLen(3))
			mu.Unlock()
		})
	})

	Context("when modules import each other", func() {
		It("lets an early ready module be imported back", func() {
			h.put("/a", func(ctx context.Context, imp module.Importer, inst *module.Instance, exports *module.Exports) error {
				if err := exports.Set("name", "a"); err != nil {
					return err
				}
				inst.MarkReady()
				res := imp.Import(ctx, "/b", module.ImportOptions{})
				if !res.OK() {
					return res.Err()
				}
				seen, _ := res.Value().Get("seen")
				return exports.Set("b saw", seen)
			})
			h.put("/b", func(ctx context.Context, imp module.Importer, _ *module.Instance, exports *module.Exports) error {
				res := imp.Import(ctx, "/a", module.ImportOptions{})
				if !res.OK() {
					return res.Err()
				}
				name, _ := res.Value().Get("name")
				return exports.Set("seen", name)
			})

			a := h.fetch("/a")
			Expect(a.OK()).To(BeTrue())
			Expect(exported(h.fetch("/b"), "seen")).To(Equal("a"))

			inst, ok := h.env.Instance(h.id("/a"))
			Expect(ok).To(BeTrue())
			Eventually(func() bool {
				_, ok := inst.Exports().Get("b saw")
				return ok
			}, timeout, interval).Should(BeTrue())

			aID, bID := h.id("/a"), h.id("/b")
			Expect(h.env.Edges()).To(HaveKeyWithValue(aID, []module.ID{bID}))
			Expect(h.env.Edges()).To(HaveKeyWithValue(bID, []module.ID{aID}))

			// Unloading either side takes the whole cycle down.
			Expect(h.env.Unload(ctx, []module.ID{bID})).To(ConsistOf(aID, bID))
			Expect(h.env.Len()).To(BeZero())
		})
	})

	Context("when a module marks itself ready early", func() {
		It("caches the result its waiters already hold", func() {
			release := make(chan struct{})
			h.put("/early", func(ctx context.Context, _ module.Importer, inst *module.Instance, exports *module.Exports) error {
				if err := exports.Set("v", 1); err != nil {
					return err
				}
				inst.MarkReady()
				<-release
				return nil
			})

			first := h.fetch("/early")
			Expect(first.OK()).To(BeTrue())
			close(release)

			id := h.id("/early")
			Eventually(func() bool {
				h.env.mu.Lock()
				defer h.env.mu.Unlock()
				_, pending := h.env.pending[id]
				return pending
			}, timeout, interval).Should(BeFalse())
			Expect(h.fetch("/early")).To(BeIdenticalTo(first))
		})
	})

	Context("when unloading", func() {
		It("removes every transitive dependent", func() {
			h.value("/c", "v", "c")
			h.put("/b", importAll("v", "/c"))
			h.put("/a", importAll("/c", "/b"))
			h.value("/d", "v", "d")
			Expect(h.fetch("/a").OK()).To(BeTrue())
			Expect(h.fetch("/d").OK()).To(BeTrue())

			unloaded := h.env.Unload(ctx, []module.ID{h.id("/c")})
			Expect(unloaded).To(ConsistOf(h.id("/a"), h.id("/b"), h.id("/c")))
			Expect(h.env.Len()).To(Equal(1))
			_, ok := h.env.Instance(h.id("/d"))
			Expect(ok).To(BeTrue())
		})

		It("runs teardown callbacks once per token", func() {
			var (
				mu    sync.Mutex
				calls int
			)
			h.put("/m", func(_ context.Context, _ module.Importer, inst *module.Instance, _ *module.Exports) error {
				cb := func() {
					mu.Lock()
					defer mu.Unlock()
					calls++
				}
				inst.OnTeardown(cb, "token")
				inst.OnTeardown(cb, "token")
				return nil
			})
			Expect(h.fetch("/m").OK()).To(BeTrue())

			h.env.Unload(ctx, []module.ID{h.id("/m")})
			h.env.Unload(ctx, []module.ID{h.id("/m")})

			mu.Lock()
			defer mu.Unlock()
			Expect(calls).To(Equal(1))
		})

		It("tears down only after the whole closure is removed", func() {
			var (
				mu       sync.Mutex
				observed []int
			)
			record := func(body module.RunnerFunc) module.RunnerFunc {
				return func(ctx context.Context, imp module.Importer, inst *module.Instance, exports *module.Exports) error {
					inst.OnTeardown(func() {
						mu.Lock()
						defer mu.Unlock()
						observed = append(observed, h.env.Len())
					}, nil)
					return body(ctx, imp, inst, exports)
				}
			}
			h.put("/root", record(func(_ context.Context, _ module.Importer, _ *module.Instance, exports *module.Exports) error {
				return exports.Set("v", 1)
			}))
			h.put("/d1", record(importAll("v", "/root")))
			h.put("/d2", record(importAll("v", "/root")))
			Expect(h.fetch("/d1").OK()).To(BeTrue())
			Expect(h.fetch("/d2").OK()).To(BeTrue())

			unloaded := h.env.Unload(ctx, []module.ID{h.id("/root")})
			Expect(unloaded).To(HaveLen(3))

			mu.Lock()
			defer mu.Unlock()
			Expect(observed).To(Equal([]int{0, 0, 0}))
		})

		It("cancels a pending execution", func() {
			started := make(chan struct{})
			h.put("/blocked", func(ctx context.Context, _ module.Importer, _ *module.Instance, _ *module.Exports) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})

			done := make(chan *module.ExecResult, 1)
			go func() { done <- h.fetch("/blocked") }()
			Eventually(started, timeout).Should(BeClosed())

			h.env.Unload(ctx, []module.ID{h.id("/blocked")})
			var res *module.ExecResult
			Eventually(done, timeout).Should(Receive(&res))
			Expect(res.Cancelled()).To(BeTrue())
			Expect(res.Err()).To(MatchError(module.ErrExecutionCancelled))
		})

		It("closes every instance", func() {
			h.value("/x", "v", 1)
			h.put("/y", importAll("v", "/x"))
			Expect(h.fetch("/y").OK()).To(BeTrue())

			h.env.Close(ctx)
			Expect(h.env.Len()).To(BeZero())
			Expect(h.reg.Invalidate(ctx, []module.ID{h.id("/x")})).To(BeEmpty())
		})
	})

	Context("when sources change", func() {
		It("reruns invalidated modules and their dependents", func() {
			h.value("/x", "x", 1)
			h.put("/y", importAll("x", "/x"))
			Expect(exported(h.fetch("/y"), "/x")).To(Equal(1))

			h.value("/x", "x", 2)
			results := h.reg.InvalidatePaths(ctx, []string{"/x"})
			Expect(results).To(HaveLen(2))
			for _, res := range results {
				Expect(res.Err()).NotTo(HaveOccurred())
			}

			Expect(exported(h.fetch("/y"), "/x")).To(Equal(2))
			Expect(h.runCount("/x")).To(Equal(2))
			Expect(h.runCount("/y")).To(Equal(2))
			Expect(h.tbl.Compiles("/x")).To(Equal(2))
			Expect(h.tbl.Compiles("/y")).To(Equal(1))
		})

		It("refetches only what was live", func() {
			h.value("/x", "x", 1)
			Expect(h.fetch("/x").OK()).To(BeTrue())

			results := h.env.Invalidate(ctx, []module.ID{h.id("/x"), h.id("/never")})
			Expect(results).To(HaveLen(1))
			Expect(results[0].ID).To(Equal(h.id("/x")))
			Expect(h.runCount("/x")).To(Equal(2))
			Expect(h.env.Len()).To(Equal(1))
		})

		It("discards a compilation that completes after cancellation", func() {
			h = newHarness(Options{})
			gate := newGatedCompiler(h.tbl)
			h.withCompiler(gate, Options{})
			h.value("/slow", "v", 1)

			first := make(chan *module.ExecResult, 1)
			go func() { first <- h.fetch("/slow") }()
			Eventually(gate.entered, timeout).Should(Receive())

			invalidated := make(chan struct{})
			go func() {
				defer close(invalidated)
				h.reg.InvalidatePaths(ctx, []string{"/slow"})
			}()

			var res *module.ExecResult
			Eventually(first, timeout).Should(Receive(&res))
			Expect(module.IsCancelled(res.Err())).To(BeTrue())

			close(gate.release)
			Eventually(invalidated, timeout).Should(BeClosed())

			fresh := h.fetch("/slow")
			Expect(fresh.Err()).NotTo(HaveOccurred())
			Expect(exported(fresh, "v")).To(Equal(1))
			Expect(gate.count.Load()).To(Equal(int32(2)))
			Expect(h.env.Len()).To(Equal(1))
			Consistently(func() *module.ExecResult { return h.fetch("/slow") }, 50*time.Millisecond, interval).
				Should(BeIdenticalTo(fresh))
		})
	})

	Context("when sharing a registry", func() {
		It("compiles once and executes per environment", func() {
			h.value("/m", "v", 1)
			other := New(Options{Name: "other", Registry: h.reg})

			Expect(h.fetch("/m").OK()).To(BeTrue())
			Expect(other.FetchPath(ctx, "/m").OK()).To(BeTrue())
			Expect(h.tbl.Compiles("/m")).To(Equal(1))
			Expect(h.runCount("/m")).To(Equal(2))

			h.env.Unload(ctx, []module.ID{h.id("/m")})
			_, ok := other.Instance(h.id("/m"))
			Expect(ok).To(BeTrue())
		})
	})

	Context("when snapshotting", func() {
		It("exposes the import graph", func() {
			h.value("/p", "v", 1)
			h.put("/m", importAll("v", "/p"))
			Expect(h.fetch("/m").OK()).To(BeTrue())

			snap, err := h.env.Graph()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Dependencies(h.id("/m"))).To(Equal([]module.ID{h.id("/p")}))
			Expect(snap.Dependents(h.id("/p"))).To(Equal([]module.ID{h.id("/m")}))
		})
	})
})
