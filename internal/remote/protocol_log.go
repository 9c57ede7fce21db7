package remote

import (
	"bytes"
	"strings"
	"sync"

	"github.com/tuusuario/ftpdrive/internal/events"
)

// protocolLog receives the raw control-channel traffic from the FTP library
// and republishes each line as a command or reply event.
type protocolLog struct {
	mu        sync.Mutex
	bus       *events.Bus
	pending   []byte
	multiline string // reply code of an open "NNN-" block
}

func newProtocolLog(bus *events.Bus) *protocolLog {
	return &protocolLog{bus: bus}
}

// Write implements io.Writer. Partial lines are kept until CRLF arrives.
func (l *protocolLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.pending[:i]), "\r")
		l.pending = l.pending[i+1:]
		if line != "" {
			l.emit(line)
		}
	}
	return len(p), nil
}

func (l *protocolLog) emit(line string) {
	if l.multiline != "" {
		if strings.HasPrefix(line, l.multiline+" ") {
			l.multiline = ""
		}
		l.bus.Publish(events.Reply, line)
		return
	}

	if code, more, ok := replyCode(line); ok {
		if more {
			l.multiline = code
		}
		l.bus.Publish(events.Reply, line)
		return
	}

	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		line = "PASS *****"
	}
	l.bus.Publish(events.Command, line)
}

// replyCode recognises "NNN text" and "NNN-text" reply lines.
func replyCode(line string) (code string, more bool, ok bool) {
	if len(line) < 3 {
		return "", false, false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return "", false, false
		}
	}
	if len(line) == 3 {
		return line[:3], false, true
	}
	switch line[3] {
	case ' ':
		return line[:3], false, true
	case '-':
		return line[:3], true, true
	}
	return "", false, false
}
