package devworker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"whisperlink/internal/domain"
)

// maxLine bounds one request line.
const maxLine = 1 << 20

// Serve prints the banner, then answers one request line at a time until r
// reaches EOF or ctx is cancelled. Responses are written in request order.
// A pending read is not interrupted by ctx; callers close r for that.
func (w *Worker) Serve(ctx context.Context, r io.Reader, out io.Writer, logger *slog.Logger) error {
	bw := bufio.NewWriter(out)
	if _, err := fmt.Fprintln(bw, Banner); err != nil {
		return fmt.Errorf("write banner: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write banner: %w", err)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var resp map[string]any
		var req domain.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			logger.Warn("invalid request line", "error", err)
			resp = failure("Invalid JSON")
		} else {
			logger.Debug("request", "id", req.ID, "command", req.Command)
			resp = w.Handle(req)
		}

		data, err := json.Marshal(resp)
		if err != nil {
			data, _ = json.Marshal(failure(err.Error()))
		}
		data = append(data, '\n')
		if _, err := bw.Write(data); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		// Closing r is how a cancelled caller unblocks the read.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("read requests: %w", err)
		}
	}
	return nil
}
