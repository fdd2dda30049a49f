package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogBuffer keeps the most recent log lines for /api/logs. It is a logrus
// hook so it sees every entry regardless of the logger's output.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	dropped uint64
	format  logrus.Formatter
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines, format: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}}
}

func (b *LogBuffer) Levels() []logrus.Level { return logrus.AllLevels }

func (b *LogBuffer) Fire(e *logrus.Entry) error {
	out, err := b.format.Format(e)
	if err != nil {
		return err
	}
	b.Append(string(out))
	return nil
}

// Append stores each non-empty line of s.
func (b *LogBuffer) Append(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		b.lines = append(b.lines, line)
	}
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append([]string(nil), b.lines[over:]...)
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = 200
	}
	if tail > len(b.lines) {
		tail = len(b.lines)
	}
	out := make([]string, 0, tail)
	return append(out, b.lines[len(b.lines)-tail:]...), b.dropped
}

func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}

		tail := 200
		if s := strings.TrimSpace(r.URL.Query().Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > 5000 {
				http.Error(w, "tail must be an integer in [1,5000]", http.StatusBadRequest)
				return
			}
			tail = v
		}

		lines, dropped := b.Snapshot(tail)
		if strings.EqualFold(r.URL.Query().Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
