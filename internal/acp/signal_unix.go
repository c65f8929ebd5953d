//go:build !windows

package acp

import "syscall"

// terminateSignal asks the agent process to exit gracefully before the
// kill escalation in Stop.
var terminateSignal = syscall.SIGTERM
