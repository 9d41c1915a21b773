package app

import (
	"os"
	"runtime/debug"
	"sync/atomic"
)

const testModeEnv = "CONSOLE_TEST_MODE"

var testMode atomic.Int32 // 0 unknown, 1 off, 2 on

// InTestMode reports whether commands should skip their network side
// effects. The CONSOLE_TEST_MODE variable is read on first use.
func InTestMode() bool {
	switch testMode.Load() {
	case 1:
		return false
	case 2:
		return true
	}
	on := os.Getenv(testModeEnv) == "1"
	SetTestMode(on)
	return on
}

// SetTestMode overrides the detected mode.
func SetTestMode(on bool) {
	if on {
		testMode.Store(2)
		return
	}
	testMode.Store(1)
}

// Version returns the module version stamped into the binary, or "devel".
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}
	return info.Main.Version
}
