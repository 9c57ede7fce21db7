package remote

import (
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/require"

	"github.com/tuusuario/ftpdrive/internal/events"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notExist bool
	}{
		{"file unavailable", &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "No such file"}, true},
		{"action ignored", &textproto.Error{Code: ftp.StatusFileActionIgnored, Msg: "busy"}, true},
		{"other reply", &textproto.Error{Code: ftp.StatusNotAvailable, Msg: "closing"}, false},
		{"transport", io.ErrUnexpectedEOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err)
			require.Equal(t, tt.notExist, errors.Is(got, ErrNotExist))

			var protoErr *textproto.Error
			if errors.As(tt.err, &protoErr) {
				require.True(t, errors.As(got, &protoErr), "reply must stay reachable")
			}
		})
	}
	require.NoError(t, translateError(nil))
}

func TestIsTransportError(t *testing.T) {
	require.False(t, IsTransportError(nil))
	require.False(t, IsTransportError(&textproto.Error{Code: 550}))
	require.False(t, IsTransportError(fmt.Errorf("stat: %w", ErrNotExist)))
	require.False(t, IsTransportError(ErrExist))
	require.True(t, IsTransportError(io.EOF))
}

func collect(t *testing.T, ch chan events.Event, n int) []events.Event {
	t.Helper()
	var got []events.Event
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, got %d", n, len(got))
		}
	}
	return got
}

func TestProtocolLog_ClassifiesTraffic(t *testing.T) {
	bus := events.NewBus(16)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	w := newProtocolLog(bus)
	_, err := w.Write([]byte("220 Welcome\r\nUSER bob\r\n"))
	require.NoError(t, err)
	// A line split across two writes is emitted once.
	_, _ = w.Write([]byte("PASS hun"))
	_, _ = w.Write([]byte("ter2\r\n"))
	_, _ = w.Write([]byte("211-Features:\r\n MDTM\r\n SIZE\r\n211 End\r\nLIST /\r\n"))

	got := collect(t, ch, 8)
	want := []struct {
		kind events.Kind
		msg  string
	}{
		{events.Reply, "220 Welcome"},
		{events.Command, "USER bob"},
		{events.Command, "PASS *****"},
		{events.Reply, "211-Features:"},
		{events.Reply, " MDTM"},
		{events.Reply, " SIZE"},
		{events.Reply, "211 End"},
		{events.Command, "LIST /"},
	}
	for i, w := range want {
		require.Equal(t, w.kind, got[i].Kind, "event %d", i)
		require.Equal(t, w.msg, got[i].Message, "event %d", i)
	}
}

func TestReplyCode(t *testing.T) {
	code, more, ok := replyCode("550 Not found")
	require.True(t, ok)
	require.False(t, more)
	require.Equal(t, "550", code)

	_, more, ok = replyCode("150-Opening")
	require.True(t, ok)
	require.True(t, more)

	_, _, ok = replyCode("STOR 123")
	require.False(t, ok)
	_, _, ok = replyCode("12")
	require.False(t, ok)
}

func TestMemory_Operations(t *testing.T) {
	m := NewMemory()
	ts := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	m.AddFile("/docs/a.txt", []byte("hello"), ts)

	entries, err := m.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "docs", entries[0].Name)
	require.True(t, entries[0].IsDir)

	entries, err = m.List("/docs")
	require.NoError(t, err)
	require.Equal(t, []Entry{{Name: "a.txt", Created: ts, Modified: ts, Size: 5}}, entries)

	size, err := m.FileSize("/docs/a.txt")
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	require.NoError(t, m.Store("/docs/b.txt", []byte("xy")))
	data, err := m.Retrieve("/docs/b.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("xy"), data)

	require.Error(t, m.RemoveDir("/docs"), "non-empty directory")
	require.NoError(t, m.Rename("/docs", "/archive"))
	require.True(t, m.Exists("/archive/a.txt"))
	require.False(t, m.Exists("/docs"))

	require.NoError(t, m.Delete("/archive/a.txt"))
	require.ErrorIs(t, m.Delete("/archive/a.txt"), ErrNotExist)
	require.ErrorIs(t, m.MakeDir("/archive"), ErrExist)
	require.ErrorIs(t, m.MakeDir("/missing/child"), ErrNotExist)

	require.Equal(t, []string{
		"List /",
		"List /docs",
		"FileSize /docs/a.txt",
		"Store /docs/b.txt",
		"Retrieve /docs/b.txt",
		"RemoveDir /docs",
		"Rename /docs -> /archive",
		"Delete /archive/a.txt",
		"Delete /archive/a.txt",
		"MakeDir /archive",
		"MakeDir /missing/child",
	}, m.Calls())
}

func TestMemory_Fail(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	m.Fail("Store", "/x", boom)
	require.ErrorIs(t, m.Store("/x", nil), boom)

	m.Fail("Store", "/x", nil)
	require.NoError(t, m.Store("/x", nil))
}

func TestConvertEntries(t *testing.T) {
	when := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	got := convertEntries([]*ftp.Entry{
		{Name: ".", Type: ftp.EntryTypeFolder},
		{Name: "..", Type: ftp.EntryTypeFolder},
		{Name: "docs", Type: ftp.EntryTypeFolder, Time: when},
		{Name: "a.txt", Type: ftp.EntryTypeFile, Size: 12, Time: when},
	})

	require.Len(t, got, 2)
	require.Equal(t, Entry{Name: "docs", Created: when, Modified: when, IsDir: true}, got[0])
	require.Equal(t, Entry{Name: "a.txt", Created: when, Modified: when, Size: 12}, got[1])
}

func TestConnAbs(t *testing.T) {
	c := &Conn{opts: Options{BaseDir: "/pub"}}
	require.Equal(t, "/pub/a/b.txt", c.abs("/a/b.txt"))
	require.Equal(t, "/pub", c.abs("/"))

	c = &Conn{opts: Options{BaseDir: "/"}}
	require.Equal(t, "/x", c.abs("/x"))
}

type transferReader struct {
	io.Reader
	closeErr error
}

func (r *transferReader) Close() error { return r.closeErr }

func TestReadTransfer(t *testing.T) {
	data, err := readTransfer(&transferReader{Reader: strings.NewReader("complete")})
	require.NoError(t, err)
	require.Equal(t, []byte("complete"), data)

	aborted := &textproto.Error{Code: 426, Msg: "Connection closed; transfer aborted"}
	data, err = readTransfer(&transferReader{Reader: strings.NewReader("trunc"), closeErr: aborted})
	require.Error(t, err)
	require.Nil(t, data)
	var protoErr *textproto.Error
	require.True(t, errors.As(err, &protoErr))
	require.Equal(t, 426, protoErr.Code)

	missing := &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "gone"}
	_, err = readTransfer(&transferReader{Reader: strings.NewReader(""), closeErr: missing})
	require.ErrorIs(t, err, ErrNotExist)
}
