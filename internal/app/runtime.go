package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

// TestModeEnv disables network side effects of the binaries when truthy.
const TestModeEnv = "CAGIO_TEST_MODE"

var testMode atomic.Bool

func init() {
	RefreshTestMode()
}

// InTestMode reports whether main should return before dialing Postgres or Redis.
func InTestMode() bool {
	return testMode.Load()
}

// RefreshTestMode re-reads TestModeEnv. Test helpers that set the variable
// after package initialization call it.
func RefreshTestMode() {
	enabled, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(enabled)
}
