package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/go-logfmt/logfmt"
)

// fileHandler formats each record as one "[ISO-8601] message key=val ...\n"
// line (spec §6's literal daemon-log shape) and appends it to the daemon
// log file under a mutex, matching the teacher's single-writer
// discipline for its session log files (AppendToSessionLogFile),
// generalized from per-session files to the one daemon-wide log. The
// "key=val ..." suffix is encoded with go-logfmt/logfmt — the same
// library the teacher uses (decode side, in its writer.go) to parse
// this exact key=value shape back into structured log messages — so
// attribute values containing spaces or quotes round-trip correctly
// instead of being hand-formatted with %v.
type fileHandler struct {
	mu    *sync.Mutex
	f     *os.File
	level slog.Level
	attrs []slog.Attr
}

func newFileHandler(f *os.File, level slog.Level) *fileHandler {
	return &fileHandler{mu: &sync.Mutex{}, f: f, level: level}
}

func (h *fileHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *fileHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s] %s", r.Time.UTC().Format(timeFormat), r.Message)

	kvBuf := bytes.Buffer{}
	enc := logfmt.NewEncoder(&kvBuf)

	for _, a := range h.attrs {
		if err := enc.EncodeKeyval(a.Key, a.Value.String()); err != nil {
			return fmt.Errorf("logging: encode attr %s: %w", a.Key, err)
		}
	}
	var attrErr error
	r.Attrs(func(a slog.Attr) bool {
		if err := enc.EncodeKeyval(a.Key, a.Value.String()); err != nil {
			attrErr = fmt.Errorf("logging: encode attr %s: %w", a.Key, err)
			return false
		}
		return true
	})
	if attrErr != nil {
		return attrErr
	}

	if kvBuf.Len() > 0 {
		buf.WriteByte(' ')
		buf.Write(kvBuf.Bytes())
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.f.Write(buf.Bytes())
	return err
}

func (h *fileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fileHandler{mu: h.mu, f: h.f, level: h.level, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *fileHandler) WithGroup(_ string) slog.Handler {
	// Groups are not used anywhere in the daemon's log calls; returning
	// the receiver unchanged keeps this a no-op rather than silently
	// dropping attributes.
	return h
}
