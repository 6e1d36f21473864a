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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/qisync/pkg/config"
)

func setenv(key, value string) {
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(os.Unsetenv, key)
}

func writeFile(dir, name, content string) string {
	path := filepath.Join(dir, name)
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

	return path
}

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("should provide valid defaults", func() {
		cfg := config.Default()
		Expect(config.Validate(cfg)).To(Succeed())
		Expect(cfg.Retry.MaxAttempts).To(Equal(5))
		Expect(cfg.Retry.InitialInterval).To(Equal(20 * time.Millisecond))
		Expect(cfg.Store.Backend).To(Equal(config.BackendMemory))
	})

	It("should layer the YAML file over the defaults", func() {
		path := writeFile(dir, "config.yaml", `
store:
  backend: sqlite
  path: /tmp/qisync.db
remote:
  base_url: https://vapor.example.com
  timeout: 5s
retry:
  max_attempts: 3
  initial_interval: 10ms
  max_interval: 200ms
  multiplier: 2
`)

		cfg, err := config.Load(path, filepath.Join(dir, "missing.env"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Store.Backend).To(Equal("sqlite"))
		Expect(cfg.Remote.Timeout).To(Equal(5 * time.Second))
		Expect(cfg.Retry.MaxAttempts).To(Equal(3))
		Expect(cfg.Retry.MaxInterval).To(Equal(200 * time.Millisecond))
		Expect(cfg.API.Listen).To(Equal(":8080"))
	})

	It("should let the environment override the file", func() {
		path := writeFile(dir, "config.yaml", "store:\n  backend: memory\n")
		setenv("QISYNC_STORE_BACKEND", "sqlite")
		setenv("QISYNC_STORE_PATH", "/data/qisync.db")
		setenv("QISYNC_RETRY_MAX_ATTEMPTS", "7")
		setenv("QISYNC_SESSION_BACKGROUND_TIMEOUT", "1m")

		cfg, err := config.Load(path, filepath.Join(dir, "missing.env"))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Store.Backend).To(Equal("sqlite"))
		Expect(cfg.Store.Path).To(Equal("/data/qisync.db"))
		Expect(cfg.Retry.MaxAttempts).To(Equal(7))
		Expect(cfg.Session.BackgroundTimeout).To(Equal(time.Minute))
	})

	It("should read variables from an env file", func() {
		envFile := writeFile(dir, "test.env", "QISYNC_S3_BUCKET=docs-bucket\n")
		DeferCleanup(os.Unsetenv, "QISYNC_S3_BUCKET")

		cfg, err := config.Load("", envFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.S3.Bucket).To(Equal("docs-bucket"))
	})

	It("should reject invalid combinations", func() {
		setenv("QISYNC_STORE_BACKEND", "sqlite")

		_, err := config.Load("", filepath.Join(dir, "missing.env"))
		Expect(err).To(MatchError(ContainSubstring("invalid configuration")))
	})

	It("should reject unparseable overrides", func() {
		setenv("QISYNC_RETRY_MAX_ATTEMPTS", "many")

		_, err := config.Load("", filepath.Join(dir, "missing.env"))
		Expect(err).To(MatchError(ContainSubstring("must be an integer")))
	})

	It("should redact secrets", func() {
		cfg := config.Default()
		cfg.S3.SecretKey = "s3cr3t"
		cfg.Sentry.DSN = "https://key@sentry.example.com/1"

		red := cfg.Redacted()
		Expect(red.S3.SecretKey).To(Equal("***"))
		Expect(red.Sentry.DSN).To(Equal("***"))
		Expect(cfg.S3.SecretKey).To(Equal("s3cr3t"))
	})

	Describe("env helpers", func() {
		It("should parse booleans leniently", func() {
			setenv("QISYNC_TEST_BOOL", "yes")

			v, err := config.GetAsBool("QISYNC_TEST_BOOL", false, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeTrue())
		})

		It("should require variables when asked", func() {
			_, err := config.GetAsString("QISYNC_TEST_UNSET", true, "")
			Expect(err).To(HaveOccurred())

			v, err := config.GetAsInt("QISYNC_TEST_UNSET", false, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(3))
		})
	})
})
