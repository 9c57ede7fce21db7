package bridge

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/tuusuario/ftpdrive/internal/remote"
)

// Status is the integer result every handler hands back to the driver:
// zero on success, a negated errno otherwise.
type Status int

const (
	StatusOK            Status = 0
	StatusFailure       Status = -Status(syscall.EIO)
	StatusNotFound      Status = -Status(syscall.ENOENT)
	StatusNotSupported  Status = -Status(syscall.ENOTSUP)
	StatusAlreadyExists Status = -Status(syscall.EEXIST)
	StatusAccessDenied  Status = -Status(syscall.EACCES)
	StatusNotADirectory Status = -Status(syscall.ENOTDIR)
	StatusIsADirectory  Status = -Status(syscall.EISDIR)
)

var statusNames = map[Status]string{
	StatusOK:            "ok",
	StatusFailure:       "failure",
	StatusNotFound:      "not found",
	StatusNotSupported:  "not supported",
	StatusAlreadyExists: "already exists",
	StatusAccessDenied:  "access denied",
	StatusNotADirectory: "not a directory",
	StatusIsADirectory:  "is a directory",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// OK reports whether s is a success status.
func (s Status) OK() bool {
	return s == StatusOK
}

// Errno converts a failure status into the errno a kernel driver expects.
// Success maps to 0.
func (s Status) Errno() syscall.Errno {
	if s >= 0 {
		return 0
	}
	return syscall.Errno(-s)
}

// StatusOf maps an error returned by the executor or the remote to a Status.
// Errors with no specific meaning become StatusFailure.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, remote.ErrNotExist):
		return StatusNotFound
	case errors.Is(err, remote.ErrExist):
		return StatusAlreadyExists
	default:
		return StatusFailure
	}
}
