// Package replay records raw attitude datagrams to a line-oriented log and
// plays them back with the recorded pacing.
//
// Log format:
//
//	# comment
//	START
//	<ns since START>,<hex payload>
//
// START resets the time origin, so several sessions can share one file.
package replay

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Record struct {
	At time.Duration
	// Payload is nil for a START marker.
	Payload []byte
}

// Read parses a whole log.
func Read(r io.Reader) ([]Record, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var recs []Record
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if text == "START" {
			recs = append(recs, Record{})
			continue
		}
		ts, payload, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("replay: line %d: missing comma", line)
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
		if err != nil || ns < 0 {
			return nil, fmt.Errorf("replay: line %d: bad timestamp %q", line, ts)
		}
		b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(payload), " ", ""))
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", line, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("replay: line %d: empty payload", line)
		}
		recs = append(recs, Record{At: time.Duration(ns), Payload: b})
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return recs, nil
}

func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Writer appends datagrams to a log. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func Create(path string, start time.Time) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay: %w", err)
	}
	return &Writer{f: f, w: bw, start: start}, nil
}

func (w *Writer) Write(at time.Time, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("replay: empty payload")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("replay: writer closed")
	}
	d := at.Sub(w.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(w.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(payload))
	return err
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

var wait = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Play hands each payload to send, waiting out the recorded gaps scaled by
// 1/speed. With loop set it starts over until ctx is done. A cancelled ctx
// ends Play with a nil error.
func Play(ctx context.Context, recs []Record, speed float64, loop bool, send func([]byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("replay: speed must be > 0")
	}
	n := 0
	for _, r := range recs {
		if r.Payload != nil {
			n++
		}
	}
	if n == 0 {
		return errors.New("replay: no records")
	}

	for {
		var origin, last time.Duration
		first := true
		for _, r := range recs {
			if r.Payload == nil {
				origin, first = r.At, true
				continue
			}
			at := r.At - origin
			if !first && at > last {
				if err := wait(ctx, time.Duration(float64(at-last)/speed)); err != nil {
					return nil
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := send(r.Payload); err != nil {
				return err
			}
			last, first = at, false
		}
		if !loop {
			return nil
		}
	}
}
