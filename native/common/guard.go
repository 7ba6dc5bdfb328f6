package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named ledger module is administratively paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects mutations against a paused module. A nil view or empty module
// name leaves the call ungated.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
