package gps

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
)

// LineFeed streams raw sentences into emit until ctx ends or the link fails.
// A nil return means the feed is exhausted and should not be restarted.
type LineFeed interface {
	Name() string
	Run(ctx context.Context, emit func(line string)) error
}

// NMEA sentences are < 82 chars; anything this long is line noise.
const maxLineLen = 4096

// readLines forwards '$'-prefixed lines from rc until EOF or ctx ends.
// rc is closed on return, which also unblocks a pending Read.
func readLines(ctx context.Context, rc io.ReadCloser, emit func(string)) error {
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		if stop() {
			_ = rc.Close()
		}
	}()

	r := bufio.NewReaderSize(rc, 512)
	var partial []byte
	for {
		chunk, err := r.ReadSlice('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(partial) > maxLineLen {
				partial = partial[:0]
			}
			continue
		}
		if len(partial) > 0 && (err == nil || errors.Is(err, io.EOF)) {
			line := strings.TrimSpace(string(partial))
			// Some receivers include non-NMEA chatter; filter quickly.
			if strings.HasPrefix(line, "$") {
				emit(line)
			}
		}
		partial = partial[:0]
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}
