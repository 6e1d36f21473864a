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

package session_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/attachments"
	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/docpath"
	"github.com/united-manufacturing-hub/qisync/pkg/formcache"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/session"
)

var fastPolicy = backoff.Policy{
	MaxAttempts:     5,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      2,
}

var _ = Describe("Controller", func() {
	var (
		ctx   context.Context
		store *persistence.DocStore
		svc   *projects.Service
		forms *formcache.Cache
		open  func(opts session.Options) *session.Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memory.NewStore()
		DeferCleanup(store.Close)
		svc = projects.New(store)
		forms = formcache.New(time.Minute)

		open = func(opts session.Options) *session.Controller {
			c, err := session.Open(ctx, svc, opts,
				session.WithFormCache(forms),
				session.WithRetryPolicy(fastPolicy),
				session.WithBackgroundTimeout(5*time.Second),
			)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Close)

			return c
		}
	})

	Describe("Open", func() {
		It("creates a missing project and goes live", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			Expect(c.State()).To(Equal(session.StateLive))
			Expect(c.DocID()).To(Equal("p1"))

			view := c.Snapshot()
			Expect(view.Rev).NotTo(BeEmpty())
			Expect(view.Metadata).To(HaveKeyWithValue(models.MetaDocName, "Test"))

			stored, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(models.DocName(stored)).To(Equal("Test"))
		})

		It("opens an existing document without touching it", func() {
			_, err := svc.PutNewProject(ctx, "Existing", "p1")
			Expect(err).NotTo(HaveOccurred())
			before, _ := store.Get(ctx, "p1")

			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Other"})

			Expect(c.Snapshot().Rev).To(Equal(before.Rev()))
			Expect(c.Snapshot().Metadata).To(HaveKeyWithValue(models.MetaDocName, "Existing"))
		})

		It("creates an installation under its parent", func() {
			open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})
			c := open(session.Options{
				DocID:        "i1",
				Type:         models.TypeInstallation,
				DocName:      "Heat pump",
				WorkflowName: "doe_workflow_heat_pump_water_heater",
				ParentID:     "p1",
			})

			Expect(c.Snapshot().Metadata).To(HaveKeyWithValue(models.MetaTemplateName, "doe_workflow_heat_pump_water_heater"))

			parent, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(models.Children(parent)).To(ConsistOf("i1"))
		})

		It("loads attachments that already exist", func() {
			_, err := svc.PutNewProject(ctx, "Test", "p1")
			Expect(err).NotTo(HaveOccurred())
			doc, _ := store.Get(ctx, "p1")
			_, err = store.PutAttachment(ctx, "p1", "photo1", doc.Rev(), []byte("jpeg-bytes"), "image/jpeg")
			Expect(err).NotTo(HaveOccurred())

			c := open(session.Options{DocID: "p1"})

			entry, ok := c.Attachment("photo1")
			Expect(ok).To(BeTrue())
			Expect(entry.Data).To(Equal([]byte("jpeg-bytes")))
			Expect(entry.Digest).To(Equal(persistence.Digest([]byte("jpeg-bytes"))))
		})

		It("fails for a missing document without a type", func() {
			_, err := session.Open(ctx, svc, session.Options{DocID: "nope"})
			Expect(persistence.IsNotFound(err)).To(BeTrue())
		})

		It("fails for an unknown workflow", func() {
			_, err := session.Open(ctx, svc, session.Options{
				DocID:        "i1",
				Type:         models.TypeInstallation,
				WorkflowName: "not_a_workflow",
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("UpsertData", func() {
		It("updates memory at once and the store in the background", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			Expect(c.UpsertData(ctx, "location.city", "Shelby")).To(Succeed())
			Expect(c.Snapshot().Data).To(HaveKeyWithValue("location", HaveKeyWithValue("city", "Shelby")))

			c.Wait()

			stored, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(models.DataMap(stored)).To(HaveKeyWithValue("location", HaveKeyWithValue("city", "Shelby")))
			Expect(c.Snapshot().Rev).To(Equal(stored.Rev()))
			Expect(c.State()).To(Equal(session.StateLive))
		})

		It("creates lists for index segments", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			Expect(c.UpsertData(ctx, "rooms.1.name", "Kitchen")).To(Succeed())
			c.Wait()

			stored, _ := store.Get(ctx, "p1")
			rooms, _ := models.DataMap(stored)["rooms"].([]interface{})
			Expect(rooms).To(HaveLen(2))
			Expect(rooms[0]).To(BeNil())
			Expect(rooms[1]).To(HaveKeyWithValue("name", "Kitchen"))
		})

		It("stamps last_modified_at", func() {
			stamp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
			c, err := session.Open(ctx, svc, session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"},
				session.WithClock(func() time.Time { return stamp }))
			Expect(err).NotTo(HaveOccurred())
			defer c.Close()

			Expect(c.UpsertData(ctx, "note", "x")).To(Succeed())
			c.Wait()

			stored, _ := store.Get(ctx, "p1")
			Expect(models.MetadataMap(stored)).To(HaveKeyWithValue(models.MetaLastModifiedAt, models.Timestamp(stamp)))
		})

		It("rejects malformed paths", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			err := c.UpsertData(ctx, "a..b", 1)
			Expect(errors.Is(err, docpath.ErrMalformedPath)).To(BeTrue())
		})

		It("rejects an index above the bound and stays usable", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			err := c.UpsertData(ctx, "rooms.100000000000000", "x")
			Expect(errors.Is(err, docpath.ErrMalformedPath)).To(BeTrue())

			Expect(c.UpsertData(ctx, "rooms.0", "kitchen")).To(Succeed())
			c.Wait()
			Expect(c.Snapshot().Data).To(HaveKeyWithValue("rooms", []any{"kitchen"}))
		})

		It("publishes the projection to the form cache", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			Expect(c.UpsertData(ctx, "installer.name", "Ada")).To(Succeed())

			snap, ok := forms.Get("p1")
			Expect(ok).To(BeTrue())
			Expect(models.DataMap(snap.Data)).To(HaveKeyWithValue("installer", HaveKeyWithValue("name", "Ada")))

			current, ok := forms.Current()
			Expect(ok).To(BeTrue())
			Expect(current.FormID).To(Equal("p1"))
		})
	})

	Describe("UpsertMetadata", func() {
		It("lands both of two concurrent writes", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			var wg sync.WaitGroup
			for _, key := range []string{"first", "second"} {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					Expect(c.UpsertMetadata(ctx, "flags."+key, true)).To(Succeed())
				}()
			}

			wg.Wait()
			c.Wait()

			stored, _ := store.Get(ctx, "p1")
			flags, _ := models.MetadataMap(stored)["flags"].(map[string]interface{})
			Expect(flags).To(HaveKeyWithValue("first", true))
			Expect(flags).To(HaveKeyWithValue("second", true))
		})

		It("keeps writes from two sessions on one document", func() {
			a := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})
			b := open(session.Options{DocID: "p1"})

			Expect(a.UpsertMetadata(ctx, "status_note", "a")).To(Succeed())
			Expect(b.UpsertData(ctx, "location.city", "Shelby")).To(Succeed())
			a.Wait()
			b.Wait()

			Eventually(func() interface{} {
				return a.Snapshot().Data["location"]
			}).Should(HaveKeyWithValue("city", "Shelby"))
			Eventually(func() interface{} {
				return b.Snapshot().Metadata["status_note"]
			}).Should(Equal("a"))
		})
	})

	Describe("attachments", func() {
		var c *session.Controller

		BeforeEach(func() {
			c = open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})
		})

		It("stores the blob and its metadata", func() {
			data := []byte("jpeg-bytes")
			Expect(c.UpsertAttachment(ctx, data, "photo1", session.AttachmentOptions{
				Filename:    "front.jpg",
				ContentType: "image/jpeg",
			})).To(Succeed())
			c.Wait()

			stored, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Stubs()).To(HaveKey("photo1"))

			entry, ok := c.Attachment("photo1")
			Expect(ok).To(BeTrue())
			Expect(entry.Digest).To(Equal(stored.Stubs()["photo1"].Digest))
			Expect(entry.ContentType).To(Equal("image/jpeg"))

			meta := attachments.ResolveMetadata(models.AttachmentMetadata(stored), "photo1")
			Expect(meta).To(HaveKeyWithValue(attachments.MetaFilename, "front.jpg"))
			Expect(c.Snapshot().Attachments).To(HaveKey("photo1"))
		})

		It("nests metadata of composite ids", func() {
			Expect(c.UpsertAttachment(ctx, []byte("x"), "photos.front", session.AttachmentOptions{
				Metadata: map[string]interface{}{"caption": "front"},
			})).To(Succeed())
			c.Wait()

			stored, _ := store.Get(ctx, "p1")
			photos, _ := models.AttachmentMetadata(stored)["photos"].(map[string]interface{})
			Expect(photos).To(HaveKeyWithValue("front", HaveKeyWithValue("caption", "front")))
		})

		It("matches the store after a refresh", func() {
			Expect(c.UpsertAttachment(ctx, []byte("one"), "photo1", session.AttachmentOptions{})).To(Succeed())
			Expect(c.UpsertAttachment(ctx, []byte("two"), "photo1", session.AttachmentOptions{})).To(Succeed())
			c.Wait()

			Expect(c.RefreshAttachments(ctx)).To(Succeed())

			stored, _ := store.Get(ctx, "p1")
			entry, _ := c.Attachment("photo1")
			Expect(entry.Digest).To(Equal(stored.Stubs()["photo1"].Digest))
			Expect(entry.Data).To(Equal([]byte("two")))
		})

		It("rejects an empty id", func() {
			Expect(c.UpsertAttachment(ctx, []byte("x"), "", session.AttachmentOptions{})).NotTo(Succeed())
		})

		It("deletes the blob, the metadata and the cache entry", func() {
			Expect(c.UpsertAttachment(ctx, []byte("x"), "photo1", session.AttachmentOptions{Filename: "a.jpg"})).To(Succeed())
			c.Wait()

			Expect(c.DeleteAttachment(ctx, "photo1")).To(Succeed())

			stored, _ := store.Get(ctx, "p1")
			Expect(stored.Stubs()).NotTo(HaveKey("photo1"))
			Expect(models.AttachmentMetadata(stored)).NotTo(HaveKey("photo1"))

			_, ok := c.Attachment("photo1")
			Expect(ok).To(BeFalse())
			Expect(c.Snapshot().Metadata[models.MetaAttachments]).NotTo(HaveKey("photo1"))
		})

		It("picks up attachments written by someone else", func() {
			doc, _ := store.Get(ctx, "p1")
			_, err := store.PutAttachment(ctx, "p1", "remote1", doc.Rev(), []byte("pdf"), "application/pdf")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				_, ok := c.Attachment("remote1")

				return ok
			}).Should(BeTrue())
		})
	})

	Describe("change feed", func() {
		It("re-projects writes made directly on the store", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			_, err := store.Upsert(ctx, "p1", func(cur persistence.Document) (persistence.Document, bool) {
				models.DataMap(cur)["external"] = "yes"

				return cur, true
			})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() map[string]interface{} {
				return c.Snapshot().Data
			}).Should(HaveKeyWithValue("external", "yes"))
		})

		It("keeps an external write that lands just before an own write", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			_, err := store.Upsert(ctx, "p1", func(cur persistence.Document) (persistence.Document, bool) {
				models.DataMap(cur)["external"] = "yes"

				return cur, true
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(c.UpsertData(ctx, "own", 0)).To(Succeed())
			c.Wait()

			Eventually(func() map[string]interface{} {
				return c.Snapshot().Data
			}).Should(And(HaveKeyWithValue("external", "yes"), HaveKeyWithValue("own", 0)))

			stored, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(models.DataMap(stored)).To(And(HaveKeyWithValue("external", "yes"), HaveKeyWithValue("own", 0)))
		})

		It("converges when the feed drops events", func() {
			c, err := session.Open(ctx, svc, session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"},
				session.WithFormCache(forms),
				session.WithRetryPolicy(fastPolicy),
				session.WithBackgroundTimeout(5*time.Second),
				session.WithFeedBuffer(1),
			)
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(c.Close)

			for i := 0; i < 20; i++ {
				n := i
				_, err := store.Upsert(ctx, "p1", func(cur persistence.Document) (persistence.Document, bool) {
					models.DataMap(cur)["external"] = n

					return cur, true
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(c.UpsertData(ctx, "own", n)).To(Succeed())
			}
			c.Wait()

			stored, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(models.DataMap(stored)).To(And(HaveKeyWithValue("external", 19), HaveKeyWithValue("own", 19)))

			Eventually(func() string { return c.Snapshot().Rev }).Should(Equal(stored.Rev()))
			Expect(c.Snapshot().Data).To(And(HaveKeyWithValue("external", 19), HaveKeyWithValue("own", 19)))
		})

		It("marks the view deleted when the document is removed", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})

			_, err := store.Remove(ctx, "p1", "")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool { return c.Snapshot().Deleted }).Should(BeTrue())
		})
	})

	Describe("Close", func() {
		It("rejects mutations afterwards", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})
			c.Close()

			Expect(c.State()).To(Equal(session.StateUnmounted))
			Expect(c.UpsertData(ctx, "a", 1)).To(MatchError(session.ErrUnmounted))
			Expect(c.UpsertAttachment(ctx, []byte("x"), "photo1", session.AttachmentOptions{})).To(MatchError(session.ErrUnmounted))
			Expect(c.DeleteAttachment(ctx, "photo1")).To(MatchError(session.ErrUnmounted))
		})

		It("releases the form cache entry", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})
			c.Close()

			snap, ok := forms.Get("p1")
			Expect(ok).To(BeTrue())
			Expect(snap.Owner).To(BeEmpty())
		})

		It("is safe to call twice", func() {
			c := open(session.Options{DocID: "p1", Type: models.TypeProject, DocName: "Test"})
			c.Close()
			c.Close()
		})
	})
})
