package app

import (
	"os"
	"strings"
	"sync/atomic"
)

// TestModeEnv switches binaries into a no-side-effect mode for tests.
const TestModeEnv = "GASTRONOM_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the process should skip dialing its backing
// services. The environment is read once and cached.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads the environment and returns the new value.
func RefreshTestMode() bool {
	v := truthy(os.Getenv(TestModeEnv))
	testMode.Store(&v)
	return v
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
