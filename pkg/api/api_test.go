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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/api"
	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/hydration"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
	"github.com/united-manufacturing-hub/qisync/pkg/session"
	"github.com/united-manufacturing-hub/qisync/pkg/sessionstate"
)

const baseURL = "https://vapor.example.test"

var fastPolicy = backoff.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	Multiplier:      1,
}

var _ = Describe("Server", func() {
	var (
		ctx    context.Context
		store  *persistence.DocStore
		svc    *projects.Service
		keeper *sessionstate.Keeper
		router *gin.Engine
		build  func(opts ...api.Option)
		call   func(method, path string, body io.Reader, header ...string) *httptest.ResponseRecorder
		decode func(rec *httptest.ResponseRecorder) map[string]interface{}
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memory.NewStore()
		DeferCleanup(store.Close)
		svc = projects.New(store)
		keeper = sessionstate.New(store)

		build = func(opts ...api.Option) {
			opts = append(opts, api.WithSessionOptions(
				session.WithRetryPolicy(fastPolicy),
				session.WithBackgroundTimeout(5*time.Second),
			))
			srv := api.New(svc, keeper, opts...)
			DeferCleanup(srv.Close)
			router = srv.Router()
		}
		build()

		call = func(method, path string, body io.Reader, header ...string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(method, path, body)
			for i := 0; i+1 < len(header); i += 2 {
				req.Header.Set(header[i], header[i+1])
			}

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			return rec
		}

		decode = func(rec *httptest.ResponseRecorder) map[string]interface{} {
			var out map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())

			return out
		}
	})

	jsonBody := func(v interface{}) io.Reader {
		b, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())

		return bytes.NewReader(b)
	}

	It("reports that it is online", func() {
		rec := call(http.MethodGet, "/", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("online"))
	})

	It("serves metrics", func() {
		rec := call(http.MethodGet, "/metrics", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("qisync_"))
	})

	Describe("projects", func() {
		It("creates and lists projects", func() {
			rec := call(http.MethodPost, "/projects", jsonBody(map[string]string{"id": "p1", "name": "Smith residence"}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(decode(rec)).To(HaveKeyWithValue("id", "p1"))

			rec = call(http.MethodGet, "/projects", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var list []map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &list)).To(Succeed())
			Expect(list).To(HaveLen(1))
			Expect(list[0]).To(HaveKeyWithValue("name", "Smith residence"))
		})

		It("compresses listings when asked to", func() {
			_, err := svc.PutNewProject(ctx, "Test", "p1")
			Expect(err).NotTo(HaveOccurred())

			rec := call(http.MethodGet, "/projects", nil, "Accept-Encoding", "gzip")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Encoding")).To(Equal("gzip"))
		})

		It("rejects a project without a name", func() {
			rec := call(http.MethodPost, "/projects", jsonBody(map[string]string{"id": "p1"}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rec)).To(HaveKey("message"))
		})

		It("deletes a project with its installations", func() {
			_, err := svc.PutNewProject(ctx, "Test", "p1")
			Expect(err).NotTo(HaveOccurred())

			rec := call(http.MethodPost, "/installations", jsonBody(map[string]string{
				"id":            "i1",
				"workflow_name": "doe_workflow_heat_pump_water_heater",
				"parent_id":     "p1",
			}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusCreated))

			Expect(call(http.MethodGet, "/documents/p1", nil).Code).To(Equal(http.StatusOK))

			rec = call(http.MethodDelete, "/projects/p1", nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			_, err = store.Get(ctx, "p1")
			Expect(persistence.IsNotFound(err)).To(BeTrue())
			_, err = store.Get(ctx, "i1")
			Expect(persistence.IsNotFound(err)).To(BeTrue())
		})

		It("reports a missing project as not found", func() {
			rec := call(http.MethodDelete, "/projects/nope", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects an unknown workflow", func() {
			rec := call(http.MethodPost, "/installations", jsonBody(map[string]string{
				"id":            "i1",
				"workflow_name": "no_such_workflow",
			}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("refuses to submit without a submission service", func() {
			rec := call(http.MethodPost, "/projects/p1/submit", jsonBody(map[string]string{"measure": "Heat pump"}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusNotImplemented))
		})
	})

	Describe("documents", func() {
		BeforeEach(func() {
			_, err := svc.PutNewProject(ctx, "Test", "p1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns the document view", func() {
			rec := call(http.MethodGet, "/documents/p1", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			view := decode(rec)
			Expect(view).To(HaveKeyWithValue("id", "p1"))
			Expect(view).To(HaveKeyWithValue("metadata_", HaveKeyWithValue(models.MetaDocName, "Test")))
		})

		It("reports a missing document as not found", func() {
			rec := call(http.MethodGet, "/documents/nope", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("applies data and metadata edits", func() {
			rec := call(http.MethodPut, "/documents/p1/data", jsonBody(map[string]interface{}{
				"path":  "location.city",
				"value": "Shelby",
			}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			rec = call(http.MethodPut, "/documents/p1/metadata", jsonBody(map[string]interface{}{
				"path":  "status",
				"value": "draft",
			}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			view := decode(call(http.MethodGet, "/documents/p1", nil))
			Expect(view).To(HaveKeyWithValue("data_", HaveKeyWithValue("location", HaveKeyWithValue("city", "Shelby"))))
			Expect(view).To(HaveKeyWithValue("metadata_", HaveKeyWithValue("status", "draft")))

			Eventually(func() interface{} {
				doc, err := store.Get(ctx, "p1")
				if err != nil {
					return nil
				}

				return models.DataMap(doc)["location"]
			}).Should(HaveKeyWithValue("city", "Shelby"))
		})

		It("rejects a malformed path", func() {
			rec := call(http.MethodPut, "/documents/p1/data", jsonBody(map[string]interface{}{
				"path":  "a..b",
				"value": 1,
			}), "Content-Type", "application/json")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("stores, serves and deletes attachments", func() {
			rec := call(http.MethodPut, "/documents/p1/attachments/photo1?filename=front.txt",
				bytes.NewReader([]byte("hello")), "Content-Type", "text/plain")
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(decode(rec)).To(HaveKeyWithValue("digest", Not(BeEmpty())))

			rec = call(http.MethodGet, "/documents/p1/attachments/photo1", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(Equal("hello"))
			Expect(rec.Header().Get("ETag")).NotTo(BeEmpty())

			view := decode(call(http.MethodGet, "/documents/p1", nil))
			Expect(view).To(HaveKeyWithValue("attachments", HaveKeyWithValue("photo1", HaveKeyWithValue("size", BeNumerically("==", 5)))))

			rec = call(http.MethodDelete, "/documents/p1/attachments/photo1", nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec = call(http.MethodGet, "/documents/p1/attachments/photo1", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			_, err := store.GetAttachment(ctx, "p1", "photo1")
			Expect(persistence.IsNotFound(err)).To(BeTrue())
		})

		It("rejects an empty attachment", func() {
			rec := call(http.MethodPut, "/documents/p1/attachments/photo1", bytes.NewReader(nil))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("hydration", func() {
		It("is unavailable without a hydrator", func() {
			rec := call(http.MethodPost, "/hydrate", nil)
			Expect(rec.Code).To(Equal(http.StatusNotImplemented))
		})

		Context("with a hydrator", func() {
			BeforeEach(func() {
				hc := &http.Client{}
				gock.InterceptClient(hc)
				DeferCleanup(gock.OffAll)

				client := remote.New(baseURL, time.Second,
					remote.WithHTTPClient(hc),
					remote.WithRetryPolicy(fastPolicy))

				build(api.WithHydrator(hydration.New(svc, client, hydration.WithRetryPolicy(fastPolicy))))
			})

			It("uses the stored session identifiers", func() {
				_, err := keeper.Persist(ctx, sessionstate.State{UserID: "u1", ProcessStepID: "s1"})
				Expect(err).NotTo(HaveOccurred())

				gock.New(baseURL).
					Get("/api/quality-install").
					MatchParam("user_id", "u1").
					MatchParam("process_step_id", "s1").
					Reply(200).
					JSON(map[string]interface{}{"success": true, "forms": []map[string]interface{}{{
						"id": "p9",
						"form_data": map[string]interface{}{
							"metadata_": map[string]interface{}{"doc_name": "Remote"},
							"data_":     map[string]interface{}{},
						},
					}}})

				rec := call(http.MethodPost, "/hydrate", nil)
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(decode(rec)).To(HaveKeyWithValue("docs_created", BeNumerically("==", 1)))
				Expect(gock.IsDone()).To(BeTrue())

				doc, err := store.Get(ctx, "p9")
				Expect(err).NotTo(HaveOccurred())
				Expect(models.DocName(doc)).To(Equal("Remote"))
			})

			It("maps backend failures to a bad gateway", func() {
				gock.New(baseURL).
					Get("/api/quality-install").
					Reply(400).
					JSON(map[string]interface{}{"message": "bad step"})

				rec := call(http.MethodPost, "/hydrate", jsonBody(map[string]string{
					"user_id":         "u1",
					"process_step_id": "s1",
				}), "Content-Type", "application/json")
				Expect(rec.Code).To(Equal(http.StatusBadGateway))
			})
		})
	})
})
