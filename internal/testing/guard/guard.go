// Package guard switches binaries into test mode when imported for its side
// effect, so a test can call main without touching PostgreSQL or Redis.
package guard

import (
	"os"
	"sync"
)

// TestModeEnv mirrors the variable read by app.InTestMode.
const TestModeEnv = "CAGIO_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(TestModeEnv) == "" {
			_ = os.Setenv(TestModeEnv, "1")
		}
	})
}
