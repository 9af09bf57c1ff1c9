//go:build linux

package sandbox

import (
	"os"
	"strings"
	"syscall"
)

// isolationAttrs returns the process attributes for a command. Every
// command gets its own process group so it can be killed as a tree.
func isolationAttrs(level IsolationLevel, allowNet bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if level != IsolationRestricted {
		return attr
	}

	attr.Cloneflags = syscall.CLONE_NEWPID | syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER
	if !allowNet {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	// Current user becomes root inside the namespace.
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}

// namespacesAvailable reports whether unprivileged user namespaces can be
// created.
func namespacesAvailable() bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	// Missing on kernels that enable them unconditionally.
	_, err = os.Stat("/proc/self/ns/user")
	return err == nil
}
