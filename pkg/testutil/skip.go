// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"os"
	"testing"
)

// integrationEnv forces container-backed tests on in CI.
const integrationEnv = "INTEGRATION_TESTS"

// RequireIntegration skips container-backed tests under -short, and in CI
// unless INTEGRATION_TESTS is set.
func RequireIntegration(t testing.TB) {
	t.Helper()
	switch {
	case testing.Short():
		t.Skip("integration test skipped in short mode")
	case os.Getenv(integrationEnv) == "" && os.Getenv("CI") != "":
		t.Skip("integration test skipped in CI; set " + integrationEnv + "=1 to run")
	}
}
