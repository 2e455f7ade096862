// Package security holds process-level guards applied before serving.
package security

import (
	"errors"
	"os"
)

// ErrRunningAsRoot is returned when the effective user ID is 0.
var ErrRunningAsRoot = errors.New("refusing to serve as root: run steward as a non-root user or pass --allow-root")

// EffectiveUID reports the process effective user ID; -1 where the platform has none.
var EffectiveUID = os.Geteuid

// RequireNonRoot returns ErrRunningAsRoot if euid reports 0. A nil euid passes.
func RequireNonRoot(euid func() int) error {
	if euid == nil {
		return nil
	}
	if euid() == 0 {
		return ErrRunningAsRoot
	}
	return nil
}
