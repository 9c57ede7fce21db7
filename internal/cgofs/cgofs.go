// Package cgofs serves a bridge.Bridge through cgofuse, which reaches FUSE
// on Linux and macOS and WinFsp on Windows. Every callback returns the
// bridge status unchanged: both speak negated errnos.
//
// The real backend needs cgo and is only built with -tags cgofuse.
package cgofs

import (
	"errors"
)

// ErrNotBuilt is returned by Serve when the binary was built without the
// cgofuse tag.
var ErrNotBuilt = errors.New("cgofuse backend not built: rebuild with -tags cgofuse")

// Options configures the mount.
type Options struct {
	UID        uint32
	GID        uint32
	ReadOnly   bool
	AllowOther bool
	FSName     string
	Debug      bool
}

// mountArgs turns options into host mount arguments.
func (o Options) mountArgs() []string {
	var args []string
	if o.FSName != "" {
		args = append(args, "-o", "fsname="+o.FSName)
	}
	if o.ReadOnly {
		args = append(args, "-o", "ro")
	}
	if o.AllowOther {
		args = append(args, "-o", "allow_other")
	}
	if o.Debug {
		args = append(args, "-d")
	}
	return args
}
