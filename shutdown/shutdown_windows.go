//go:build windows

package shutdown

import (
	"os"
	"os/signal"
)

// Notify registers ch for the signals that should end a capture session.
func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

// NotifyRecover is a no-op on Windows; there is no SIGHUP to repurpose.
func NotifyRecover(ch chan os.Signal) {}
