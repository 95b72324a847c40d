// SPDX-License-Identifier: Apache-2.0

package testutils

import (
	"math/rand"
	"os"
	"testing"
)

func randomDBName() string {
	const length = 15
	const charset = "abcdefghijklmnopqrstuvwxyz"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))] // #nosec G404
	}

	return "testdb_" + string(b)
}

// SkipUnlessPostgres skips tests that need the shared container when the
// integration environment variable is not set.
func SkipUnlessPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("Q_COLLECTOR_IT_POSTGRES_URL") == "" {
		t.Skip("set Q_COLLECTOR_IT_POSTGRES_URL to run Postgres-backed tests")
	}
}
