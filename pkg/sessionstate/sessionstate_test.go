// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessionstate_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/sqlite"
	"github.com/united-manufacturing-hub/qisync/pkg/sessionstate"
)

var _ = Describe("Keeper", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	for name, open := range map[string]func() persistence.Store{
		"memory": func() persistence.Store { return memory.NewStore() },
		"sqlite": func() persistence.Store {
			s, err := sqlite.NewStore(ctx, filepath.Join(GinkgoT().TempDir(), "state.db"))
			Expect(err).NotTo(HaveOccurred())

			return s
		},
	} {
		Context("on the "+name+" store", func() {
			var (
				store  persistence.Store
				keeper *sessionstate.Keeper
			)

			BeforeEach(func() {
				store = open()
				keeper = sessionstate.New(store)
			})

			AfterEach(func() {
				_ = store.Close()
			})

			It("loads an empty state when nothing was stored", func() {
				st, err := keeper.Load(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(st).To(Equal(sessionstate.State{}))
				Expect(st.HasIdentifiers()).To(BeFalse())
			})

			It("only overwrites non-empty fields", func() {
				_, err := keeper.Persist(ctx, sessionstate.State{
					UserID:        "u1",
					ProcessStepID: "s1",
					Measures:      []string{"WATER_HEATER"},
				})
				Expect(err).NotTo(HaveOccurred())

				st, err := keeper.Persist(ctx, sessionstate.State{
					ProcessID: "p1",
					FormPrefillData: map[string]interface{}{
						"installer": map[string]interface{}{"name": "Ada"},
					},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(st.UserID).To(Equal("u1"))
				Expect(st.ProcessStepID).To(Equal("s1"))
				Expect(st.ProcessID).To(Equal("p1"))
				Expect(st.Measures).To(Equal([]string{"WATER_HEATER"}))
				Expect(st.FormPrefillData).To(HaveKey("installer"))
				Expect(st.HasIdentifiers()).To(BeTrue())
			})

			It("clears a single key", func() {
				_, err := keeper.Persist(ctx, sessionstate.State{UserID: "u1", FormID: "f1"})
				Expect(err).NotTo(HaveOccurred())

				Expect(keeper.Clear(ctx, sessionstate.KeyFormID)).To(Succeed())
				Expect(keeper.Clear(ctx, "unknown")).To(Succeed())

				st, err := keeper.Load(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.FormID).To(BeEmpty())
				Expect(st.UserID).To(Equal("u1"))
			})

			It("keeps the state out of the document listing", func() {
				_, err := keeper.Persist(ctx, sessionstate.State{UserID: "u1"})
				Expect(err).NotTo(HaveOccurred())

				rows, err := store.AllDocs(ctx, persistence.AllDocsOptions{})
				Expect(err).NotTo(HaveOccurred())
				Expect(rows).To(BeEmpty())
			})

			It("resets the whole state", func() {
				_, err := keeper.Persist(ctx, sessionstate.State{UserID: "u1"})
				Expect(err).NotTo(HaveOccurred())

				Expect(keeper.Reset(ctx)).To(Succeed())
				Expect(keeper.Reset(ctx)).To(Succeed())

				st, err := keeper.Load(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(st.UserID).To(BeEmpty())
			})
		})
	}
})
