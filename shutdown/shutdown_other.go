//go:build !windows

package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

// Notify registers ch for the signals that should end a capture session.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}

// NotifyRecover registers ch for SIGHUP, used as a manual "network is back"
// nudge for the recovery coordinator.
func NotifyRecover(ch chan os.Signal) {
	signal.Notify(ch, syscall.SIGHUP)
}
