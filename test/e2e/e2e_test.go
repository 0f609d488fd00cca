//go:build e2e
// +build e2e

/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package e2e

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chazu/hotload/internal/watch"
	"github.com/chazu/hotload/pkg/compiler"
	"github.com/chazu/hotload/pkg/config"
	"github.com/chazu/hotload/pkg/environment"
	"github.com/chazu/hotload/pkg/registry"
	"github.com/chazu/hotload/pkg/source"
)

var _ = Describe("Hot reload", Ordered, func() {
	var (
		root   string
		reg    *registry.Registry
		env    *environment.Environment
		cancel context.CancelFunc
		done   chan error
	)

	write := func(name, content string) {
		GinkgoHelper()
		Expect(os.WriteFile(filepath.Join(root, name), []byte(content), 0o644)).To(Succeed())
	}

	value := func(p, name string) func() any {
		return func() any {
			res := env.FetchPath(context.Background(), p)
			if !res.OK() {
				return res.Err()
			}
			v, _ := res.Value().Get(name)
			return v
		}
	}

	SetDefaultEventuallyTimeout(10 * time.Second)
	SetDefaultEventuallyPollingInterval(50 * time.Millisecond)

	BeforeAll(func() {
		root = GinkgoT().TempDir()
		write("main.cue", `
imports: lib: "./lib.cue"
imports: cfg: "./settings.hcl"
exports: greeting: "\(deps.lib.word), \(deps.cfg.name)"
`)
		write("lib.cue", `exports: word: "hello"`)
		write("settings.hcl", `name = "world"`)

		cfg := config.DefaultConfig()
		cfg.CacheDir = GinkgoT().TempDir()
		cfg.Mounts = []config.Mount{{Prefix: "/", Type: config.MountDir, Ref: root}}
		mux, err := cfg.Transport(logr.Discard())
		Expect(err).NotTo(HaveOccurred())

		reg = registry.New(registry.Options{Transport: mux, Compiler: compiler.Default()})
		env = environment.New(environment.Options{Name: "e2e", Registry: reg})

		t, _, err := mux.Route("/")
		Expect(err).NotTo(HaveOccurred())
		w, err := watch.New(watch.Config{
			Dir:      t.(*source.Dir),
			Patterns: cfg.Watch.Patterns,
			Debounce: 50 * time.Millisecond,
			OnChange: watch.Reload(reg, logr.Discard()),
		})
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
	})

	AfterAll(func() {
		cancel()
		Eventually(done).Should(Receive(BeNil()))
		env.Close(context.Background())
	})

	It("loads modules across formats", func() {
		Expect(value("/main.cue", "greeting")()).To(Equal("hello, world"))
		snap, err := env.Graph()
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Size()).To(Equal(3))
	})

	It("reloads a dependency and its importers when the file changes", func() {
		before, ok := env.Instance(reg.ID("/main.cue"))
		Expect(ok).To(BeTrue())

		write("lib.cue", `exports: word: "goodbye"`)

		Eventually(value("/main.cue", "greeting")).Should(Equal("goodbye, world"))
		after, ok := env.Instance(reg.ID("/main.cue"))
		Expect(ok).To(BeTrue())
		Expect(after).NotTo(BeIdenticalTo(before))
	})

	It("reloads HCL modules", func() {
		write("settings.hcl", `name = "there"`)
		Eventually(value("/main.cue", "greeting")).Should(Equal("goodbye, there"))
	})

	It("surfaces a broken module and recovers once it is fixed", func() {
		write("lib.cue", `exports: word: `)
		Eventually(value("/main.cue", "greeting")).Should(MatchError(ContainSubstring("lib")))
		write("lib.cue", `exports: word: "hi"`)
		Eventually(value("/main.cue", "greeting")).Should(Equal("hi, there"))
	})

	It("leaves unrelated modules alone", func() {
		id := reg.ID("/settings.hcl")
		before, ok := env.Instance(id)
		Expect(ok).To(BeTrue())

		write("lib.cue", `exports: word: "hey"`)
		Eventually(value("/main.cue", "greeting")).Should(Equal("hey, there"))

		after, ok := env.Instance(id)
		Expect(ok).To(BeTrue())
		Expect(after).To(BeIdenticalTo(before))
	})
})
