package server

import (
	"bytes"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/runicorn/runicorn/storage"
)

const (
	logFrameLimit   = 64 * 1024
	logPollInterval = 500 * time.Millisecond
	logIdleTimeout  = 5 * time.Minute
	logWriteTimeout = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: logFrameLimit,
	// The viewer binds to localhost by default; cross-origin pages cannot
	// read run data without going through the same-host UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogsWS streams logs.txt over a websocket: the full current content
// first, then appended data as the producer writes it. Frames break at line
// boundaries and stay under 64 KiB. Truncation restarts the stream from the
// top.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	dir, _, err := s.runDir(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logPath := dir.File(storage.LogsFile)
	var offset int64
	lastActivity := time.Now()
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(logPath)
		if err != nil {
			if os.IsNotExist(err) {
				if time.Since(lastActivity) > logIdleTimeout {
					writeWSClose(conn, "idle timeout")
					return
				}
				continue
			}
			writeWSClose(conn, "log unreadable")
			return
		}

		if info.Size() < offset {
			// Truncated or replaced. Restart from the top.
			offset = 0
		}
		if info.Size() == offset {
			if time.Since(lastActivity) > logIdleTimeout {
				writeWSClose(conn, "idle timeout")
				return
			}
			continue
		}

		n, err := streamLogRange(conn, logPath, offset, info.Size())
		offset += n
		if err != nil {
			return
		}
		if n > 0 {
			lastActivity = time.Now()
		}
	}
}

// streamLogRange sends bytes [offset, limit) of the log in line-bounded
// frames. It returns how many bytes were consumed; a trailing partial line is
// held back until its newline arrives, unless it alone exceeds the frame
// limit.
func streamLogRange(conn *websocket.Conn, path string, offset, limit int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var sent int64
	buf := make([]byte, logFrameLimit)
	for offset+sent < limit {
		want := limit - offset - sent
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := f.ReadAt(buf[:want], offset+sent)
		if n == 0 {
			return sent, err
		}
		chunk := buf[:n]

		// Break at the last newline so frames align with lines. An
		// oversized single line ships as-is.
		if offset+sent+int64(n) < limit || chunk[len(chunk)-1] != '\n' {
			if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
				chunk = chunk[:i+1]
			} else if int64(n) < want || n < logFrameLimit {
				// Partial line still growing; wait for the rest.
				return sent, nil
			}
		}

		conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, sanitizeUTF8(chunk)); err != nil {
			return sent, err
		}
		sent += int64(len(chunk))
	}
	return sent, nil
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD so text frames
// stay valid.
func sanitizeUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	return []byte(strings.ToValidUTF8(string(b), "�"))
}

func writeWSClose(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(logWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
