package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rotorpilot/internal/serial"
)

// Link reads delimiter-framed commands from a stream and echoes each one
// with its outcome. "z <ms>" pauses command processing, which lets a ground
// station script a sequence such as "t 1;z 5000;l;".
type Link struct {
	rw     io.ReadWriter
	delim  byte
	parser *Parser
	log    logrus.FieldLogger

	sleep func(ctx context.Context, d time.Duration)
}

func NewLink(rw io.ReadWriter, delim byte, p *Parser, log logrus.FieldLogger) *Link {
	if delim == 0 {
		delim = ';'
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Link{rw: rw, delim: delim, parser: p, log: log.WithField("component", "command"), sleep: sleepCtx}
}

var openSerial = func(path string, baud int) (io.ReadWriteCloser, error) { return serial.Open(path, baud) }

// OpenSerial opens the command radio on a tty.
func OpenSerial(device string, baud int, delim byte, p *Parser, log logrus.FieldLogger) (*Link, io.Closer, error) {
	f, err := openSerial(device, baud)
	if err != nil {
		return nil, nil, fmt.Errorf("command: %w", err)
	}
	return NewLink(f, delim, p, log), f, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run processes commands until the stream ends, ctx is done, or a command
// fails with an actuator error. A closed stream after cancellation is not
// an error.
func (l *Link) Run(ctx context.Context) error {
	if c, ok := l.rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	r := bufio.NewReader(l.rw)
	for {
		frame, err := r.ReadString(l.delim)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("command: read: %w", err)
		}
		if err := l.handle(ctx, strings.TrimSuffix(frame, string(l.delim))); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Link) handle(ctx context.Context, frame string) error {
	cmd := strings.TrimSpace(frame)
	if cmd == "" {
		return nil
	}
	if cmd[0] == 'z' || cmd[0] == 'Z' {
		ms, err := strconv.Atoi(strings.TrimSpace(cmd[1:]))
		if err != nil || ms < 0 {
			l.reply(cmd, "rejected: bad sleep")
			return nil
		}
		l.reply(cmd, "ok")
		l.sleep(ctx, time.Duration(ms)*time.Millisecond)
		return nil
	}

	res, err := l.parser.Do(cmd)
	switch {
	case err != nil:
		l.reply(cmd, "error: "+err.Error())
		return err
	case res.Error != "":
		l.reply(cmd, "rejected: "+res.Error)
	case !res.Accepted:
		l.reply(cmd, "ignored")
	default:
		l.reply(cmd, "ok")
	}
	return nil
}

func (l *Link) reply(cmd, outcome string) {
	if _, err := fmt.Fprintf(l.rw, "%s: %s\r\n", cmd, outcome); err != nil {
		l.log.WithError(err).Debug("command echo failed")
	}
}
