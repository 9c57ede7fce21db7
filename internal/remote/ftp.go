package remote

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/tuusuario/ftpdrive/internal/events"
	"github.com/tuusuario/ftpdrive/internal/logging"
)

// Options describes how to reach the FTP server.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	UseTLS   bool
	Timeout  time.Duration

	// BaseDir is the server directory the mount root maps to.
	BaseDir string
	Events  *events.Bus
}

// Conn is a single FTP control connection. It performs no locking of its
// own: the bridge executor is its only user.
type Conn struct {
	conn *ftp.ServerConn
	opts Options
}

// Dial connects, logs in and switches to binary mode.
func Dial(opts Options) (*Conn, error) {
	if opts.Port == 0 {
		opts.Port = 21
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	opts.BaseDir = path.Clean("/" + opts.BaseDir)

	c := &Conn{opts: opts}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	logging.Info("connected to FTP server",
		logging.String("addr", c.addr()),
		logging.String("base_dir", c.opts.BaseDir))
	return c, nil
}

func (c *Conn) addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// abs maps a mount path to its server path.
func (c *Conn) abs(p string) string {
	return path.Join(c.opts.BaseDir, p)
}

func (c *Conn) dial() (*ftp.ServerConn, error) {
	addr := c.addr()
	dialOpts := []ftp.DialOption{
		ftp.DialWithTimeout(c.opts.Timeout),
		ftp.DialWithDebugOutput(newProtocolLog(c.opts.Events)),
	}
	if c.opts.UseTLS {
		dialOpts = append(dialOpts, ftp.DialWithTLS(&tls.Config{
			InsecureSkipVerify: true,
			ServerName:         c.opts.Host,
		}))
	} else {
		dialOpts = append(dialOpts, ftp.DialWithDisabledMLSD(true))
	}

	logging.Debug("dialing FTP server",
		logging.String("addr", addr),
		logging.Bool("tls", c.opts.UseTLS),
		logging.Duration("timeout", c.opts.Timeout))

	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to FTP server %s: %w", addr, err)
	}

	if err := conn.Login(c.opts.User, c.opts.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("failed to login as %q: %w", c.opts.User, err)
	}

	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("failed to set binary mode: %w", err)
	}
	return conn, nil
}

// List lists a directory, skipping "." and "..".
func (c *Conn) List(dir string) ([]Entry, error) {
	entries, err := c.conn.List(c.abs(dir))
	if err != nil {
		return nil, translateError(err)
	}
	return convertEntries(entries), nil
}

// Retrieve downloads file contents.
func (c *Conn) Retrieve(filePath string) ([]byte, error) {
	reader, err := c.conn.Retr(c.abs(filePath))
	if err != nil {
		return nil, translateError(err)
	}
	return readTransfer(reader)
}

// readTransfer drains a data connection. Close reads the final transfer
// reply, so an aborted download fails here instead of returning short data.
func readTransfer(r io.ReadCloser) ([]byte, error) {
	data, err := io.ReadAll(r)
	if cerr := r.Close(); err == nil && cerr != nil {
		err = translateError(cerr)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Store uploads file contents.
func (c *Conn) Store(filePath string, data []byte) error {
	return translateError(c.conn.Stor(c.abs(filePath), bytes.NewReader(data)))
}

// Delete removes a file.
func (c *Conn) Delete(filePath string) error {
	return translateError(c.conn.Delete(c.abs(filePath)))
}

// RemoveDir removes an empty directory.
func (c *Conn) RemoveDir(dirPath string) error {
	return translateError(c.conn.RemoveDir(c.abs(dirPath)))
}

// MakeDir creates a directory.
func (c *Conn) MakeDir(dirPath string) error {
	return translateError(c.conn.MakeDir(c.abs(dirPath)))
}

// Rename renames a file or directory.
func (c *Conn) Rename(from, to string) error {
	return translateError(c.conn.Rename(c.abs(from), c.abs(to)))
}

// FileSize returns the size of a file (SIZE).
func (c *Conn) FileSize(filePath string) (uint64, error) {
	size, err := c.conn.FileSize(c.abs(filePath))
	if err != nil {
		return 0, translateError(err)
	}
	if size < 0 {
		return 0, nil
	}
	return uint64(size), nil
}

// ModTime returns the modification time of a file (MDTM).
func (c *Conn) ModTime(filePath string) (time.Time, error) {
	t, err := c.conn.GetTime(c.abs(filePath))
	if err != nil {
		return time.Time{}, translateError(err)
	}
	return t, nil
}

// Reconnect replaces the control connection.
func (c *Conn) Reconnect() error {
	if c.conn != nil {
		c.conn.Quit()
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn
	logging.Info("reconnected to FTP server", logging.String("addr", c.addr()))
	return nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c.conn != nil {
		return c.conn.Quit()
	}
	return nil
}

// convertEntries converts FTP entries to Entry values.
func convertEntries(entries []*ftp.Entry) []Entry {
	files := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		files = append(files, Entry{
			Name: entry.Name,
			// LIST carries a single timestamp; it stands in for both.
			Created:  entry.Time,
			Modified: entry.Time,
			Size:     entry.Size,
			IsDir:    entry.Type == ftp.EntryTypeFolder,
		})
	}
	return files
}

var _ Client = (*Conn)(nil)
var _ Reconnector = (*Conn)(nil)
