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
	"runtime/debug"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const (
	// DefaultAppVersion is the version reported by builds without ldflags.
	DefaultAppVersion = "0.0.0-dev"

	environmentProduction  = "production"
	environmentDevelopment = "development"
)

// InitSentry configures the global sentry hub. Development builds and an
// empty DSN leave reporting disabled. A release version without a
// prerelease suffix reports into the production environment.
func InitSentry(appVersion, dsn string, debounceErrors bool) {
	setDebounce(debounceErrors)

	if appVersion == "" || appVersion == DefaultAppVersion || dsn == "" {
		zap.S().Debug("Sentry disabled for local development build")

		return
	}

	environment := environmentDevelopment

	version, err := semver.NewVersion(appVersion)
	if err != nil {
		zap.S().Errorf("Failed to parse app version, using default environment (development): %s", err)
	} else if version.Prerelease() == "" {
		environment = environmentProduction
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:           dsn,
		Environment:   environment,
		Release:       "qisync@" + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)
	}
}

func errorTitle(err error) string {
	message := err.Error()

	idx := strings.IndexAny(message, ".,:")
	if idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func newEvent(level sentry.Level, err error) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       errorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}

	if level == sentry.LevelFatal || level == sentry.LevelError {
		event.Attachments = append(event.Attachments, &sentry.Attachment{
			Filename:    "stacktrace.txt",
			ContentType: "text/plain",
			Payload:     debug.Stack(),
		})
	}

	event.Fingerprint = []string{
		"{{ default }}",
		"level: " + string(level),
	}

	return event
}

// fingerprintKeys are context keys that split otherwise identical issues
// into separate groups.
var fingerprintKeys = []string{"operation", "doc_type", "component"}

func newEventWithContext(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := newEvent(level, err)
	if len(context) == 0 {
		return event
	}

	event.Tags = make(map[string]string, len(context))

	for key, value := range context {
		switch v := value.(type) {
		case string:
			event.Tags[key] = v
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
			event.Tags[key] = fmt.Sprintf("%v", v)
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]interface{})
			}

			event.Extra[key] = v
		}
	}

	for _, key := range fingerprintKeys {
		if value, ok := context[key]; ok {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func sendEvent(event *sentry.Event) {
	localHub := sentry.CurrentHub().Clone()
	localHub.CaptureEvent(event)
}
