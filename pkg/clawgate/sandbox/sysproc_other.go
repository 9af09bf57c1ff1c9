//go:build !linux && !windows

package sandbox

import "syscall"

func isolationAttrs(_ IsolationLevel, _ bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func namespacesAvailable() bool { return false }
