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

package sentry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports err with extra tags. Warnings and errors
// with the same title are sent at most once per debounce window; the log
// line is written every time.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorw("fatal_error", "error", err)

		sendEvent(newEventWithContext(sentry.LevelFatal, err, context))
		sentry.Flush(5 * time.Second)

		log.Panic("Fatal error")
	case IssueTypeError:
		log.Errorw("error_reported", "error", err)

		if allow(issueType, errorTitle(err)) {
			sendEvent(newEventWithContext(sentry.LevelError, err, context))
		}
	case IssueTypeWarning:
		log.Warnw("warning_reported", "error", err)

		if allow(issueType, errorTitle(err)) {
			sendEvent(newEventWithContext(sentry.LevelWarning, err, context))
		}
	}
}

// ReportIssuefWithContext formats an error message and reports it with additional context data.
func ReportIssuefWithContext(issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}, template string, args ...interface{}) {
	ReportIssueWithContext(fmt.Errorf(template, args...), issueType, log, context)
}

// ReportStoreError reports a failed local store operation on a document.
func ReportStoreError(log *zap.SugaredLogger, docID, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"doc_id":    docID,
		"operation": operation,
	})
}

// ReportRemoteError reports a failed call to the remote backend.
func ReportRemoteError(log *zap.SugaredLogger, endpoint, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeWarning, log, map[string]interface{}{
		"endpoint":  endpoint,
		"operation": operation,
	})
}
