// Package web serves the ground-side HTTP API: a JSON status snapshot, a
// text command endpoint, a websocket telemetry stream and the recent log.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"rotorpilot/internal/command"
	"rotorpilot/internal/flight"
)

type StatusSource interface {
	Snapshot() flight.Snapshot
}

type CommandRunner interface {
	Do(cmd string) (command.Result, error)
}

// Deps are the handler collaborators. Only Status is required.
type Deps struct {
	Status   StatusSource
	Commands CommandRunner
	Stream   http.Handler
	Logs     *LogBuffer
}

const maxCommandBytes = 256

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, d.Status.Snapshot())
	})

	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		if d.Commands == nil {
			http.Error(w, "commands unavailable", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		if len(body) > maxCommandBytes {
			http.Error(w, "command too long", http.StatusRequestEntityTooLarge)
			return
		}
		cmd := strings.TrimSpace(string(body))
		if cmd == "" {
			http.Error(w, "empty command", http.StatusBadRequest)
			return
		}
		res, err := d.Commands.Do(cmd)
		if err != nil {
			// The actuator link failed; the caller needs to know the craft
			// did not act on the command.
			res.Error = err.Error()
			writeJSON(w, http.StatusBadGateway, res)
			return
		}
		code := http.StatusOK
		if res.Error != "" {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, res)
	})

	if d.Stream != nil {
		mux.Handle("/ws", d.Stream)
	}
	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	mux.Handle("/api/about", AboutHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		snap := d.Status.Snapshot()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "rotorpilot "+snap.Mode.String()+"\nsee /api/status\n")
	})

	return mux
}

// Serve runs the API on listenAddr until ctx is done.
func Serve(ctx context.Context, listenAddr string, d Deps) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
