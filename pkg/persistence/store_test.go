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

package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/sqlite"
)

type storeFactory func(opts ...persistence.Option) persistence.Store

func fastRetry() persistence.Option {
	return persistence.WithRetryPolicy(backoff.Policy{
		MaxAttempts:     20,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
	})
}

var _ = Describe("Store", func() {
	backends := map[string]storeFactory{
		"memory": func(opts ...persistence.Option) persistence.Store {
			return memory.NewStore(opts...)
		},
		"sqlite": func(opts ...persistence.Option) persistence.Store {
			path := filepath.Join(GinkgoT().TempDir(), "qisync.db")
			store, err := sqlite.NewStore(context.Background(), path, opts...)
			Expect(err).NotTo(HaveOccurred())

			return store
		},
	}

	for name, factory := range backends {
		Describe("with the "+name+" backend", func() {
			storeContract(factory)
		})
	}
})

func storeContract(factory storeFactory) {
	var (
		ctx   context.Context
		store persistence.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = factory(fastRetry())
	})

	AfterEach(func() {
		_ = store.Close()
	})

	Describe("Put and Get", func() {
		It("should create a document with a first generation revision", func() {
			rev, err := store.Put(ctx, persistence.Document{"_id": "p1", "type": "project"})
			Expect(err).NotTo(HaveOccurred())
			Expect(persistence.Generation(rev)).To(Equal(1))

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Rev()).To(Equal(rev))
			Expect(doc["type"]).To(Equal("project"))
		})

		It("should return ErrNotFound for absent documents", func() {
			_, err := store.Get(ctx, "missing")
			Expect(errors.Is(err, persistence.ErrNotFound)).To(BeTrue())
		})

		It("should reject a stale revision with a ConflictError", func() {
			rev1, err := store.Put(ctx, persistence.Document{"_id": "p1", "n": 1})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Put(ctx, persistence.Document{"_id": "p1", "_rev": rev1, "n": 2})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Put(ctx, persistence.Document{"_id": "p1", "_rev": rev1, "n": 3})
			Expect(errors.Is(err, persistence.ErrConflict)).To(BeTrue())

			var conflict *persistence.ConflictError
			Expect(errors.As(err, &conflict)).To(BeTrue())
			Expect(conflict.ID).To(Equal("p1"))
			Expect(conflict.Expected).To(Equal(rev1))
		})

		It("should reject an empty revision for an existing document", func() {
			_, err := store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(persistence.IsConflict(err)).To(BeTrue())
		})

		It("should advance generations on every write", func() {
			rev, err := store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())

			for i := 2; i <= 4; i++ {
				rev, err = store.Put(ctx, persistence.Document{"_id": "p1", "_rev": rev, "i": i})
				Expect(err).NotTo(HaveOccurred())
				Expect(persistence.Generation(rev)).To(Equal(i))
			}
		})

		It("should never persist the mutation id", func() {
			_, err := store.Put(ctx, persistence.Document{"_id": "p1", "_mutation_id": "m"})
			Expect(err).NotTo(HaveOccurred())

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc).NotTo(HaveKey("_mutation_id"))
		})

		It("should isolate returned documents from the stored copy", func() {
			_, err := store.Put(ctx, persistence.Document{"_id": "p1", "data_": map[string]interface{}{"a": "x"}})
			Expect(err).NotTo(HaveOccurred())

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			doc["data_"].(map[string]interface{})["a"] = "changed"

			again, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(again["data_"]).To(HaveKeyWithValue("a", "x"))
		})

		It("should reject documents without an id or with a local id", func() {
			_, err := store.Put(ctx, persistence.Document{"a": 1})
			Expect(errors.Is(err, persistence.ErrInvalidDocument)).To(BeTrue())

			_, err = store.Put(ctx, persistence.Document{"_id": "_local/x"})
			Expect(errors.Is(err, persistence.ErrInvalidDocument)).To(BeTrue())
		})
	})

	Describe("Remove", func() {
		It("should tombstone the document and allow recreating it", func() {
			rev, err := store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())

			delRev, err := store.Remove(ctx, "p1", rev)
			Expect(err).NotTo(HaveOccurred())
			Expect(persistence.Generation(delRev)).To(Equal(2))

			_, err = store.Get(ctx, "p1")
			Expect(persistence.IsNotFound(err)).To(BeTrue())

			newRev, err := store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(persistence.Generation(newRev)).To(Equal(3))
		})

		It("should report per document results from BulkRemove", func() {
			revA, err := store.Put(ctx, persistence.Document{"_id": "a"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Put(ctx, persistence.Document{"_id": "b"})
			Expect(err).NotTo(HaveOccurred())

			results, err := store.BulkRemove(ctx, []persistence.DocRef{
				{ID: "a", Rev: revA},
				{ID: "b", Rev: "9-stale"},
				{ID: "c"},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(3))
			Expect(results[0].Err).NotTo(HaveOccurred())
			Expect(persistence.IsConflict(results[1].Err)).To(BeTrue())
			Expect(persistence.IsNotFound(results[2].Err)).To(BeTrue())

			_, err = store.Get(ctx, "a")
			Expect(persistence.IsNotFound(err)).To(BeTrue())
			_, err = store.Get(ctx, "b")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Upsert", func() {
		It("should start from an id-only document when absent", func() {
			_, err := store.Upsert(ctx, "p1", func(doc persistence.Document) (persistence.Document, bool) {
				Expect(doc).To(Equal(persistence.Document{"_id": "p1"}))
				doc["type"] = "project"

				return doc, true
			})
			Expect(err).NotTo(HaveOccurred())

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc["type"]).To(Equal("project"))
		})

		It("should skip the write when the mutator declines", func() {
			rev, err := store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())

			got, err := store.Upsert(ctx, "p1", func(doc persistence.Document) (persistence.Document, bool) {
				return nil, false
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(rev))
		})

		It("should land every concurrent mutation", func() {
			_, err := store.Put(ctx, persistence.Document{"_id": "p1", "metadata_": map[string]interface{}{}})
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)

				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()

					_, err := store.Upsert(ctx, "p1", func(doc persistence.Document) (persistence.Document, bool) {
						meta, _ := doc["metadata_"].(map[string]interface{})
						if meta == nil {
							meta = map[string]interface{}{}
						}

						meta[fmt.Sprintf("k%d", i)] = i
						doc["metadata_"] = meta

						return doc, true
					})
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}

			wg.Wait()

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc["metadata_"]).To(HaveLen(5))
		})
	})

	Describe("Attachments", func() {
		It("should create the holder document for an empty rev", func() {
			rev, err := store.PutAttachment(ctx, "p1", "photo1", "", []byte("jpeg"), "image/jpeg")
			Expect(err).NotTo(HaveOccurred())

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Rev()).To(Equal(rev))

			stub := doc.Stubs()["photo1"]
			Expect(stub.Digest).To(Equal(persistence.Digest([]byte("jpeg"))))
			Expect(stub.Length).To(Equal(4))
			Expect(stub.ContentType).To(Equal("image/jpeg"))

			att, err := store.GetAttachment(ctx, "p1", "photo1")
			Expect(err).NotTo(HaveOccurred())
			Expect(att.Data).To(Equal([]byte("jpeg")))
			Expect(att.Digest).To(Equal(stub.Digest))
		})

		It("should require the current revision on an existing document", func() {
			rev, err := store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.PutAttachment(ctx, "p1", "a", "", []byte("x"), "text/plain")
			Expect(persistence.IsConflict(err)).To(BeTrue())

			_, err = store.PutAttachment(ctx, "p1", "a", rev, []byte("x"), "text/plain")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should keep stubs across plain document writes", func() {
			rev, err := store.PutAttachment(ctx, "p1", "a", "", []byte("x"), "text/plain")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Put(ctx, persistence.Document{"_id": "p1", "_rev": rev, "type": "project"})
			Expect(err).NotTo(HaveOccurred())

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.AttachmentIDs()).To(Equal([]string{"a"}))
		})

		It("should remove a single attachment", func() {
			rev, err := store.PutAttachment(ctx, "p1", "a", "", []byte("x"), "text/plain")
			Expect(err).NotTo(HaveOccurred())
			rev, err = store.PutAttachment(ctx, "p1", "b", rev, []byte("y"), "text/plain")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.RemoveAttachment(ctx, "p1", "a", rev)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.GetAttachment(ctx, "p1", "a")
			Expect(persistence.IsNotFound(err)).To(BeTrue())

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.AttachmentIDs()).To(Equal([]string{"b"}))
		})

		It("should drop attachments with the document", func() {
			rev, err := store.PutAttachment(ctx, "p1", "a", "", []byte("x"), "text/plain")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Remove(ctx, "p1", rev)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.PutAttachment(ctx, "p1", "b", "", []byte("y"), "text/plain")
			Expect(err).NotTo(HaveOccurred())

			_, err = store.GetAttachment(ctx, "p1", "a")
			Expect(persistence.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("AllDocs", func() {
		BeforeEach(func() {
			for i, name := range []string{"b", "a", "c"} {
				_, err := store.Put(ctx, persistence.Document{
					"_id":       name,
					"type":      "project",
					"metadata_": map[string]interface{}{"order": i},
				})
				Expect(err).NotTo(HaveOccurred())
			}

			_, err := store.Put(ctx, persistence.Document{"_id": "i1", "type": "installation"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should list live documents in id order", func() {
			rows, err := store.AllDocs(ctx, persistence.AllDocsOptions{})
			Expect(err).NotTo(HaveOccurred())

			ids := []string{}
			for _, row := range rows {
				ids = append(ids, row.ID)
				Expect(row.Doc).To(BeNil())
			}

			Expect(ids).To(Equal([]string{"a", "b", "c", "i1"}))
		})

		It("should return one row per key with not found rows", func() {
			rows, err := store.AllDocs(ctx, persistence.AllDocsOptions{Keys: []string{"c", "zz"}, IncludeDocs: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].Doc.ID()).To(Equal("c"))
			Expect(persistence.IsNotFound(rows[1].Err)).To(BeTrue())
		})

		It("should filter and sort with a query", func() {
			q := persistence.NewQuery().
				Filter("type", persistence.Eq, "project").
				Sort("metadata_.order", persistence.Desc).
				Limit(2)

			rows, err := store.AllDocs(ctx, persistence.AllDocsOptions{Query: q, IncludeDocs: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].ID).To(Equal("c"))
			Expect(rows[1].ID).To(Equal("a"))
		})
	})

	Describe("Changes", func() {
		It("should deliver events in commit order with the mutation id", func() {
			sub, err := store.Changes(ctx, persistence.ChangesOptions{IncludeDocs: true})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Cancel()

			rev, err := store.Put(persistence.WithMutationID(ctx, "m-1"), persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Put(ctx, persistence.Document{"_id": "p1", "_rev": rev, "n": 2})
			Expect(err).NotTo(HaveOccurred())

			var first, second persistence.ChangeEvent
			Eventually(sub.Events()).Should(Receive(&first))
			Eventually(sub.Events()).Should(Receive(&second))

			Expect(first.MutationID).To(Equal("m-1"))
			Expect(first.Rev).To(Equal(rev))
			Expect(first.Doc).NotTo(HaveKey("_mutation_id"))
			Expect(second.MutationID).To(BeEmpty())
			Expect(second.Seq).To(BeNumerically(">", first.Seq))
			Expect(second.Doc["n"]).To(BeNumerically("==", 2))
		})

		It("should filter by document id", func() {
			sub, err := store.Changes(ctx, persistence.ChangesOptions{DocID: "p2"})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Cancel()

			_, err = store.Put(ctx, persistence.Document{"_id": "p1"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Put(ctx, persistence.Document{"_id": "p2"})
			Expect(err).NotTo(HaveOccurred())

			var ev persistence.ChangeEvent
			Eventually(sub.Events()).Should(Receive(&ev))
			Expect(ev.ID).To(Equal("p2"))
			Expect(ev.Doc).To(BeNil())
			Consistently(sub.Events(), "30ms").ShouldNot(Receive())
		})

		It("should drop the oldest events for a slow subscriber without blocking writers", func() {
			sub, err := store.Changes(ctx, persistence.ChangesOptions{Buffer: 2})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Cancel()

			for i := 0; i < 5; i++ {
				_, err := store.Put(ctx, persistence.Document{"_id": fmt.Sprintf("d%d", i)})
				Expect(err).NotTo(HaveOccurred())
			}

			var ev persistence.ChangeEvent
			Expect(sub.Events()).To(Receive(&ev))
			Expect(ev.ID).To(Equal("d3"))
			Expect(sub.Events()).To(Receive(&ev))
			Expect(ev.ID).To(Equal("d4"))
			Expect(sub.Dropped()).To(Equal(3))
		})

		It("should count a drop before the surviving event is readable", func() {
			sub, err := store.Changes(ctx, persistence.ChangesOptions{Buffer: 1})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)

				for i := 0; i < 50; i++ {
					_, _ = store.Put(ctx, persistence.Document{"_id": fmt.Sprintf("d%d", i)})
				}
			}()

			var ev persistence.ChangeEvent
			Eventually(sub.Events()).Should(Receive(&ev))

			// Every event before the first one read was evicted unseen.
			var n int
			_, err = fmt.Sscanf(ev.ID, "d%d", &n)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Dropped()).To(BeNumerically(">=", n))

			<-done
		})

		It("should replay retained events after Since", func() {
			_, err := store.Put(ctx, persistence.Document{"_id": "a"})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.Put(ctx, persistence.Document{"_id": "b"})
			Expect(err).NotTo(HaveOccurred())

			sub, err := store.Changes(ctx, persistence.ChangesOptions{Since: 1})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Cancel()

			var ev persistence.ChangeEvent
			Expect(sub.Events()).To(Receive(&ev))
			Expect(ev.ID).To(Equal("b"))
		})

		It("should close the channel when the context ends", func() {
			subCtx, cancel := context.WithCancel(ctx)
			sub, err := store.Changes(subCtx, persistence.ChangesOptions{})
			Expect(err).NotTo(HaveOccurred())

			cancel()
			Eventually(sub.Events()).Should(BeClosed())
		})

		It("should not announce local documents", func() {
			sub, err := store.Changes(ctx, persistence.ChangesOptions{})
			Expect(err).NotTo(HaveOccurred())
			defer sub.Cancel()

			Expect(store.PutLocal(ctx, "session", persistence.Document{"user_id": "u1"})).To(Succeed())
			Consistently(sub.Events(), "30ms").ShouldNot(Receive())
		})
	})

	Describe("Local documents", func() {
		It("should store, list and remove local documents", func() {
			Expect(store.PutLocal(ctx, "cascade/p1", persistence.Document{"status": "pending"})).To(Succeed())
			Expect(store.PutLocal(ctx, "_local/cascade/p2", persistence.Document{"status": "failed"})).To(Succeed())
			Expect(store.PutLocal(ctx, "session", persistence.Document{"user_id": "u1"})).To(Succeed())

			doc, err := store.GetLocal(ctx, "_local/cascade/p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(doc["status"]).To(Equal("pending"))
			Expect(doc.ID()).To(Equal("_local/cascade/p1"))

			docs, err := store.ListLocal(ctx, "cascade/")
			Expect(err).NotTo(HaveOccurred())
			Expect(docs).To(HaveLen(2))
			Expect(docs[0].ID()).To(Equal("_local/cascade/p1"))

			Expect(store.RemoveLocal(ctx, "cascade/p1")).To(Succeed())
			_, err = store.GetLocal(ctx, "cascade/p1")
			Expect(persistence.IsNotFound(err)).To(BeTrue())
			Expect(persistence.IsNotFound(store.RemoveLocal(ctx, "cascade/p1"))).To(BeTrue())
		})

		It("should keep local documents out of AllDocs", func() {
			Expect(store.PutLocal(ctx, "session", persistence.Document{})).To(Succeed())

			rows, err := store.AllDocs(ctx, persistence.AllDocsOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})
	})

	Describe("Close", func() {
		It("should fail later calls and end subscriptions", func() {
			sub, err := store.Changes(ctx, persistence.ChangesOptions{})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Close()).To(Succeed())
			Eventually(sub.Events()).Should(BeClosed())

			_, err = store.Get(ctx, "p1")
			Expect(errors.Is(err, persistence.ErrClosed)).To(BeTrue())
		})
	})
}
