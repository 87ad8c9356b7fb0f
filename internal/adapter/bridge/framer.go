package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"whisperlink/internal/domain"
)

// DefaultMaxFrameBytes bounds a single unterminated record held in the buffer.
const DefaultMaxFrameBytes = 4 * 1024 * 1024

// EncodeRequest serializes req as one newline-terminated JSON record.
func EncodeRequest(req domain.Request) ([]byte, error) {
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Command, err)
	}
	return append(data, '\n'), nil
}

// Framer turns an inbound byte stream into worker responses. It is not safe
// for concurrent use; the connection read loop owns it.
type Framer struct {
	buf      []byte
	maxFrame int
	logger   *slog.Logger
}

// NewFramer creates a Framer. maxFrame <= 0 uses DefaultMaxFrameBytes.
func NewFramer(maxFrame int, logger *slog.Logger) *Framer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &Framer{
		buf:      make([]byte, 0, 4096),
		maxFrame: maxFrame,
		logger:   logger,
	}
}

// Feed appends p to the buffer and returns every response completed by it,
// in arrival order. Blank lines are dropped. Complete lines that do not
// decode as a response are logged and skipped. A trailing partial line stays
// buffered until its newline arrives.
func (f *Framer) Feed(p []byte) []domain.Response {
	f.buf = append(f.buf, p...)

	var out []domain.Response
	consumed := 0
	for {
		idx := bytes.IndexByte(f.buf[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(f.buf[consumed : consumed+idx])
		consumed += idx + 1
		if len(line) == 0 {
			continue
		}

		var resp domain.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			f.logger.Warn("skipping undecodable worker line",
				"error", fmt.Errorf("%w: %v", domain.ErrProtocol, err),
				"line", truncate(line, 120),
			)
			continue
		}
		out = append(out, resp)
	}

	// Compact so the backing array does not grow without bound.
	if consumed > 0 {
		n := copy(f.buf, f.buf[consumed:])
		f.buf = f.buf[:n]
	}

	if len(f.buf) > f.maxFrame {
		f.logger.Error("discarding oversized worker frame",
			"error", domain.NewSubSystemError("bridge", "Framer.Feed", domain.ErrLimitReached,
				fmt.Sprintf("%d bytes without newline", len(f.buf))),
		)
		f.buf = f.buf[:0]
	}
	return out
}

// Buffered returns the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
