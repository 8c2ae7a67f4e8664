//go:build !windows

package utils

import "syscall"

// DetachedProcessAttr starts the process in a new session so it survives our own termination
func DetachedProcessAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
