//go:build windows

package acp

import "os"

// Windows has no SIGTERM; Stop goes straight to process kill.
var terminateSignal = os.Kill
