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

package submission_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/backoff"
	"github.com/united-manufacturing-hub/qisync/pkg/documents"
	"github.com/united-manufacturing-hub/qisync/pkg/models"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
	"github.com/united-manufacturing-hub/qisync/pkg/sessionstate"
	"github.com/united-manufacturing-hub/qisync/pkg/submission"
)

const baseURL = "https://vapor.example.test"

func completeForm() map[string]interface{} {
	return map[string]interface{}{
		"installer": map[string]interface{}{
			"name":            "maxine meurer",
			"company_name":    "Everblue Energy",
			"mailing_address": "1234 Main St, Shelby, NC",
			"phone":           "9999999999",
			"email":           "maxine@everblue.com",
		},
		"location": map[string]interface{}{
			"street_address": "2001 East Dixon Boulevard",
			"city":           "Shelby",
			"state":          "NC",
			"zip_code":       "28152",
		},
	}
}

// fakeUploader hands out document ids and records requests.
type fakeUploader struct {
	mu   sync.Mutex
	reqs []documents.UploadRequest
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, req documents.UploadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	f.reqs = append(f.reqs, req)

	return "doc-" + req.DocumentType, nil
}

var _ = Describe("IsFormComplete", func() {
	It("accepts a filled form", func() {
		Expect(submission.IsFormComplete(completeForm())).To(BeTrue())
	})

	It("rejects a missing form", func() {
		Expect(submission.IsFormComplete(nil)).To(BeFalse())
	})

	It("rejects missing sections", func() {
		form := completeForm()
		delete(form, "location")
		Expect(submission.IsFormComplete(form)).To(BeFalse())

		form = completeForm()
		delete(form, "installer")
		Expect(submission.IsFormComplete(form)).To(BeFalse())
	})

	It("treats blank values as missing", func() {
		form := completeForm()
		form["installer"].(map[string]interface{})["phone"] = "   "
		Expect(submission.IsFormComplete(form)).To(BeFalse())
	})

	It("rejects a missing field", func() {
		form := completeForm()
		delete(form["location"].(map[string]interface{}), "zip_code")
		Expect(submission.IsFormComplete(form)).To(BeFalse())
	})

	It("rejects non-string values", func() {
		form := completeForm()
		form["location"].(map[string]interface{})["zip_code"] = 28152
		Expect(submission.IsFormComplete(form)).To(BeFalse())
	})
})

var _ = Describe("Service", func() {
	var (
		ctx      context.Context
		store    *persistence.DocStore
		keeper   *sessionstate.Keeper
		svc      *projects.Service
		uploader *fakeUploader
		sub      *submission.Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memory.NewStore()
		DeferCleanup(store.Close)

		keeper = sessionstate.New(store)
		svc = projects.New(store)
		uploader = &fakeUploader{}

		hc := &http.Client{}
		gock.InterceptClient(hc)

		client := remote.New(baseURL, time.Second,
			remote.WithHTTPClient(hc),
			remote.WithRetryPolicy(backoff.Policy{
				MaxAttempts:     2,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
				Multiplier:      1,
			}))

		sub = submission.New(keeper, client, svc, submission.WithUploader(uploader))

		_, err := keeper.Persist(ctx, sessionstate.State{
			UserID:         "u1",
			ProcessID:      "pr1",
			ProcessStepID:  "s1",
			OrganizationID: "org1",
			ApplicationID:  "app1",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		gock.OffAll()
	})

	Describe("SaveForm", func() {
		It("needs the user and process step", func() {
			Expect(keeper.Reset(ctx)).To(Succeed())

			_, err := sub.SaveForm(ctx, completeForm(), nil)
			Expect(errors.Is(err, submission.ErrMissingIdentifiers)).To(BeTrue())
		})

		It("creates a form and remembers its id", func() {
			gock.New(baseURL).
				Post("/api/quality-install").
				MatchType("json").
				JSON(map[string]interface{}{
					"user_id":         "u1",
					"process_step_id": "s1",
					"form_data":       map[string]interface{}{"selectedProgram": "HEAR"},
				}).
				Reply(201).
				JSON(map[string]interface{}{"form_data_id": 99})

			formID, err := sub.SaveForm(ctx, map[string]interface{}{"selectedProgram": "HEAR"}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(formID).To(Equal("99"))
			Expect(gock.IsDone()).To(BeTrue())

			st, err := keeper.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.FormID).To(Equal("99"))
		})

		It("updates a known form", func() {
			_, err := keeper.Persist(ctx, sessionstate.State{FormID: "f1"})
			Expect(err).NotTo(HaveOccurred())

			gock.New(baseURL).
				Put("/api/quality-install/f1").
				Reply(200).
				JSON(map[string]interface{}{"success": true})

			formID, err := sub.SaveForm(ctx, completeForm(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(formID).To(Equal("f1"))
			Expect(gock.IsDone()).To(BeTrue())
		})

		It("recreates a form the backend lost", func() {
			_, err := keeper.Persist(ctx, sessionstate.State{FormID: "f1"})
			Expect(err).NotTo(HaveOccurred())

			gock.New(baseURL).
				Put("/api/quality-install/f1").
				Reply(404)
			gock.New(baseURL).
				Post("/api/quality-install").
				MatchType("json").
				JSON(map[string]interface{}{
					"id":              "f1",
					"user_id":         "u1",
					"process_step_id": "s1",
					"form_data":       map[string]interface{}{},
				}).
				Reply(201).
				JSON(map[string]interface{}{"form_data_id": "f1"})

			formID, err := sub.SaveForm(ctx, map[string]interface{}{}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(formID).To(Equal("f1"))
			Expect(gock.IsDone()).To(BeTrue())
		})

		It("uploads a photo and lists it in documents", func() {
			gock.New(baseURL).
				Post("/api/quality-install").
				MatchType("json").
				JSON(map[string]interface{}{
					"user_id":         "u1",
					"process_step_id": "s1",
					"form_data": map[string]interface{}{
						"documents": []interface{}{map[string]interface{}{
							"document_id":  "doc-quality install photo",
							"documentType": "quality install photo",
						}},
					},
				}).
				Reply(201).
				JSON(map[string]interface{}{"form_data_id": "f2"})

			form := map[string]interface{}{}
			_, err := sub.SaveForm(ctx, form, &submission.Photo{Data: []byte("jpeg"), ContentType: "image/jpeg"})
			Expect(err).NotTo(HaveOccurred())
			Expect(gock.IsDone()).To(BeTrue())
			Expect(form).NotTo(HaveKey("documents"))

			Expect(uploader.reqs).To(HaveLen(1))
			Expect(uploader.reqs[0].OrganizationID).To(Equal("org1"))
			Expect(uploader.reqs[0].MeasureName).To(Equal("project-photo"))
		})

		It("saves the form when the photo upload fails", func() {
			uploader.err = remote.ErrUnavailable

			gock.New(baseURL).
				Post("/api/quality-install").
				Reply(201).
				JSON(map[string]interface{}{"form_data_id": "f3"})

			formID, err := sub.SaveForm(ctx, map[string]interface{}{}, &submission.Photo{Data: []byte("jpeg")})
			Expect(err).NotTo(HaveOccurred())
			Expect(formID).To(Equal("f3"))
		})

		It("returns remote failures", func() {
			gock.New(baseURL).
				Post("/api/quality-install").
				Reply(400).
				BodyString("bad")

			_, err := sub.SaveForm(ctx, map[string]interface{}{}, nil)
			Expect(err).To(HaveOccurred())

			st, _ := keeper.Load(ctx)
			Expect(st.FormID).To(BeEmpty())
		})
	})

	Describe("RecordMeasure", func() {
		It("patches the step with a completed job", func() {
			gock.New(baseURL).
				Patch("/api/process/pr1/step/s1/form-data").
				MatchHeader("x-user-id", "u1").
				MatchType("json").
				JSON(map[string]interface{}{
					"add_measure": map[string]interface{}{
						"name": "Heat Pump Water Heater",
						"jobs": []interface{}{map[string]interface{}{
							"job_id":                   "p1",
							"status":                   "completed",
							"final_report_document_id": "d1",
						}},
					},
				}).
				Reply(200)

			Expect(sub.RecordMeasure(ctx, "Heat Pump Water Heater", "d1", "p1")).To(Succeed())
			Expect(gock.IsDone()).To(BeTrue())
		})

		It("needs the process ids", func() {
			Expect(keeper.Clear(ctx, sessionstate.KeyProcessID)).To(Succeed())

			err := sub.RecordMeasure(ctx, "x", "", "")
			Expect(errors.Is(err, submission.ErrMissingIdentifiers)).To(BeTrue())
		})
	})

	Describe("CloseStepIfAllMeasuresComplete", func() {
		stepData := func(measures ...map[string]interface{}) {
			gock.New(baseURL).
				Get("/api/process/pr1/step/s1/form-data").
				MatchParam("user_id", "u1").
				Reply(200).
				JSON(map[string]interface{}{"data": map[string]interface{}{"measures": measures}})
		}

		BeforeEach(func() {
			_, err := keeper.Persist(ctx, sessionstate.State{Measures: []string{"water_heater", "VENTILATION"}})
			Expect(err).NotTo(HaveOccurred())
		})

		It("closes the step when every measure is completed", func() {
			stepData(
				map[string]interface{}{"name": "Heat Pump Water Heater", "jobs": []interface{}{
					map[string]interface{}{"status": "completed"},
				}},
				map[string]interface{}{"name": "Mechanical Ventilation", "jobs": []interface{}{
					map[string]interface{}{"status": "COMPLETED"},
					map[string]interface{}{"status": "completed"},
				}},
			)
			gock.New(baseURL).
				Put("/api/process/pr1/step/s1/condition").
				MatchHeader("x-user-id", "u1").
				MatchType("json").
				JSON(map[string]interface{}{"condition": "CLOSED"}).
				Reply(200)

			closed, err := sub.CloseStepIfAllMeasuresComplete(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeTrue())
			Expect(gock.IsDone()).To(BeTrue())
		})

		It("leaves the step open while a job is pending", func() {
			stepData(
				map[string]interface{}{"name": "Heat Pump Water Heater", "jobs": []interface{}{
					map[string]interface{}{"status": "completed"},
				}},
				map[string]interface{}{"name": "Mechanical Ventilation", "jobs": []interface{}{
					map[string]interface{}{"status": "completed"},
					map[string]interface{}{"status": "in_progress"},
				}},
			)

			closed, err := sub.CloseStepIfAllMeasuresComplete(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeFalse())
		})

		It("leaves the step open for a measure without jobs", func() {
			stepData(
				map[string]interface{}{"name": "Heat Pump Water Heater", "jobs": []interface{}{}},
				map[string]interface{}{"name": "Mechanical Ventilation", "jobs": []interface{}{
					map[string]interface{}{"status": "completed"},
				}},
			)

			closed, err := sub.CloseStepIfAllMeasuresComplete(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(BeFalse())
		})
	})

	Describe("SubmitProject", func() {
		BeforeEach(func() {
			_, err := svc.PutNewProject(ctx, "Test", "p1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses an incomplete project", func() {
			_, err := sub.SubmitProject(ctx, "p1", "Heat Pump Water Heater")
			Expect(errors.Is(err, submission.ErrIncompleteForm)).To(BeTrue())
		})

		It("uploads the report, saves the form, records the measure and checks the step", func() {
			_, err := store.Upsert(ctx, "p1", func(cur persistence.Document) (persistence.Document, bool) {
				cur[models.FieldData] = completeForm()

				return cur, true
			})
			Expect(err).NotTo(HaveOccurred())

			gock.New(baseURL).
				Post("/api/quality-install").
				Reply(201).
				JSON(map[string]interface{}{"form_data_id": "f7"})
			gock.New(baseURL).
				Patch("/api/process/pr1/step/s1/form-data").
				Reply(200)
			gock.New(baseURL).
				Get("/api/process/pr1/step/s1/form-data").
				Reply(200).
				JSON(map[string]interface{}{"data": map[string]interface{}{"measures": []interface{}{}}})
			gock.New(baseURL).
				Put("/api/process/pr1/step/s1/condition").
				Reply(200)

			res, err := sub.SubmitProject(ctx, "p1", "Heat Pump Water Heater")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.FormID).To(Equal("f7"))
			Expect(res.ReportDocumentID).To(Equal("doc-" + documents.TypeFinalReport))
			Expect(res.StepClosed).To(BeTrue())
			Expect(gock.IsDone()).To(BeTrue())

			Expect(uploader.reqs).To(HaveLen(1))
			Expect(uploader.reqs[0].ContentType).To(Equal("application/json"))
			Expect(string(uploader.reqs[0].Data)).To(ContainSubstring(`"all_docs"`))

			doc, err := store.Get(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(models.MetadataMap(doc)).To(HaveKeyWithValue(models.MetaStatus, string(models.StatusCreated)))
			Expect(models.MetadataMap(doc)).To(HaveKeyWithValue("form_id", "f7"))
		})

		It("still succeeds when the close check fails", func() {
			_, err := store.Upsert(ctx, "p1", func(cur persistence.Document) (persistence.Document, bool) {
				cur[models.FieldData] = completeForm()

				return cur, true
			})
			Expect(err).NotTo(HaveOccurred())

			gock.New(baseURL).Post("/api/quality-install").Reply(201).JSON(map[string]interface{}{"form_data_id": "f8"})
			gock.New(baseURL).Patch("/api/process/pr1/step/s1/form-data").Reply(200)
			gock.New(baseURL).Get("/api/process/pr1/step/s1/form-data").Reply(400).BodyString("nope")

			res, err := sub.SubmitProject(ctx, "p1", "Heat Pump Water Heater")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StepClosed).To(BeFalse())
		})
	})
})
