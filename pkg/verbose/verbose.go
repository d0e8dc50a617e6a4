// Package verbose traces serial traffic when the daemon runs with -verbose.
package verbose

import (
	"fmt"
	"sync/atomic"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
)

const component = "wire"

var enabled atomic.Bool

// SetEnabled sets the global verbose logging flag
func SetEnabled(enable bool) {
	enabled.Store(enable)
}

// IsEnabled returns whether verbose logging is enabled
func IsEnabled() bool {
	return enabled.Load()
}

// Printf logs a wire trace line if verbose logging is enabled. Trace lines
// go out at info level so -verbose works without also lowering the level.
func Printf(format string, args ...interface{}) {
	if enabled.Load() {
		logging.Info(component, fmt.Sprintf(format, args...))
	}
}

// Println logs its operands if verbose logging is enabled
func Println(args ...interface{}) {
	if enabled.Load() {
		logging.Info(component, fmt.Sprint(args...))
	}
}
