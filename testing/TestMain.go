// Package testing switches the console into test mode when imported by a
// test binary, so commands skip their network side effects.
package testing

import (
	"os"
	stdtesting "testing"
)

// defaults fill in settings that config validation requires.
var defaults = map[string]string{
	"SESSION_SECRET": "test-session-secret",
	"CSRF_SECRET":    "test-csrf-secret",
	"LOG_LEVEL":      "warn",
}

func init() {
	_ = os.Setenv("CONSOLE_TEST_MODE", "1")
	for key, value := range defaults {
		if _, set := os.LookupEnv(key); !set {
			_ = os.Setenv(key, value)
		}
	}
}

func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
