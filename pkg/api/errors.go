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

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/qisync/pkg/docpath"
	"github.com/united-manufacturing-hub/qisync/pkg/hydration"
	"github.com/united-manufacturing-hub/qisync/pkg/persistence"
	"github.com/united-manufacturing-hub/qisync/pkg/projects"
	"github.com/united-manufacturing-hub/qisync/pkg/remote"
	"github.com/united-manufacturing-hub/qisync/pkg/session"
	"github.com/united-manufacturing-hub/qisync/pkg/submission"
	"github.com/united-manufacturing-hub/qisync/pkg/templates"
)

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	var remoteErr *remote.Error

	switch {
	case persistence.IsNotFound(err):
		return http.StatusNotFound
	case persistence.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, docpath.ErrMalformedPath),
		errors.Is(err, templates.ErrUnknownTemplate),
		errors.Is(err, submission.ErrMissingIdentifiers):
		return http.StatusBadRequest
	case errors.Is(err, submission.ErrIncompleteForm),
		errors.Is(err, hydration.ErrMalformedEntry):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrUnmounted):
		return http.StatusGone
	case errors.Is(err, projects.ErrCascadePartial),
		errors.As(err, &remoteErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[int]string{
	http.StatusNotFound:            "The requested document was not found.",
	http.StatusConflict:            "The document was changed concurrently. Please retry.",
	http.StatusBadRequest:          "You have provided a wrong input. Please check your parameters.",
	http.StatusUnprocessableEntity: "The request could not be completed with the given data.",
	http.StatusGone:                "The document session was closed.",
	http.StatusBadGateway:          "The remote backend could not complete the request.",
	http.StatusInternalServerError: "The server had an internal error.",
}

func (s *Server) handleError(c *gin.Context, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "route", c.FullPath(), "status", status, "error", err)
	} else {
		s.log.Debugw("request_rejected", "route", c.FullPath(), "status", status, "error", err)
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Error(),
		"status":  status,
		"message": messages[status],
	})
}

func (s *Server) handleInvalidInput(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   err.Error(),
		"status":  http.StatusBadRequest,
		"message": messages[http.StatusBadRequest],
	})
}
