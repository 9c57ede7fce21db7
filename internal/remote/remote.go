// Package remote contains the FTP side of the drive: the Client contract the
// bridge consumes, a jlaffaye/ftp backed implementation and an in-memory one.
package remote

import (
	"errors"
	"net/textproto"
	"time"

	"github.com/jlaffaye/ftp"
)

var (
	// ErrNotExist is returned when the server reports a missing file or directory.
	ErrNotExist = errors.New("remote path does not exist")

	// ErrExist is returned when the target of an operation already exists.
	ErrExist = errors.New("remote path already exists")
)

// Entry is one raw item of a remote directory listing.
type Entry struct {
	Name     string
	IsDir    bool
	Created  time.Time
	Modified time.Time
	Size     uint64
}

// Client is the set of primitives the bridge needs from an FTP connection.
// Implementations are not required to be safe for concurrent use.
type Client interface {
	List(dir string) ([]Entry, error)
	Retrieve(filePath string) ([]byte, error)
	Store(filePath string, data []byte) error
	Delete(filePath string) error
	RemoveDir(dirPath string) error
	MakeDir(dirPath string) error
	Rename(from, to string) error
	FileSize(filePath string) (uint64, error)
	ModTime(filePath string) (time.Time, error)
}

// Reconnector is implemented by clients able to replace a broken connection.
type Reconnector interface {
	Reconnect() error
}

// IsTransportError reports whether err looks like a broken connection rather
// than an answer from the server.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotExist) || errors.Is(err, ErrExist) {
		return false
	}
	var protoErr *textproto.Error
	return !errors.As(err, &protoErr)
}

// translateError turns "file unavailable" replies into ErrNotExist.
func translateError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case ftp.StatusFileUnavailable, ftp.StatusFileActionIgnored:
			return &pathError{err: ErrNotExist, cause: err}
		}
	}
	return err
}

// pathError keeps the server reply while matching a sentinel.
type pathError struct {
	err   error
	cause error
}

func (e *pathError) Error() string {
	return e.err.Error() + ": " + e.cause.Error()
}

func (e *pathError) Is(target error) bool {
	return target == e.err
}

func (e *pathError) Unwrap() error {
	return e.cause
}
