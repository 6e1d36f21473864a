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
	"sync"
	"time"
)

const debounceWindow = 2 * time.Hour

var (
	debounceMu      sync.Mutex
	debounceEnabled = true
	lastSent        = map[string]time.Time{}
)

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	setDebounce(false)
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	setDebounce(true)
}

func setDebounce(enabled bool) {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	debounceEnabled = enabled
	lastSent = map[string]time.Time{}
}

func allow(issueType IssueType, title string) bool {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	if !debounceEnabled {
		return true
	}

	key := string(issueType) + "|" + title
	if sent, ok := lastSent[key]; ok && time.Since(sent) < debounceWindow {
		return false
	}

	lastSent[key] = time.Now()

	return true
}
