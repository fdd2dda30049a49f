package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotorpilot/internal/command"
	"rotorpilot/internal/flight"
)

type fakeStatus struct{ snap flight.Snapshot }

func (f fakeStatus) Snapshot() flight.Snapshot { return f.snap }

type fakeRunner struct {
	got []string
	res command.Result
	err error
}

func (f *fakeRunner) Do(cmd string) (command.Result, error) {
	f.got = append(f.got, cmd)
	r := f.res
	r.Command = cmd
	return r, f.err
}

func newTestServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	if d.Status == nil {
		d.Status = fakeStatus{flight.Snapshot{Mode: flight.Hover, MinThrottle: -20}}
	}
	ts := httptest.NewServer(Handler(d))
	t.Cleanup(ts.Close)
	return ts
}

func TestAPIStatus(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "hover", got["mode"])
	assert.Equal(t, -20.0, got["min_throttle"])
}

func TestAPIStatus_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, err := http.Post(ts.URL+"/api/status", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
}

func postCommand(t *testing.T, url, body string) (*http.Response, command.Result) {
	t.Helper()
	resp, err := http.Post(url+"/api/command", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res command.Result
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	}
	return resp, res
}

func TestAPICommand(t *testing.T) {
	r := &fakeRunner{res: command.Result{Accepted: true}}
	ts := newTestServer(t, Deps{Commands: r})

	resp, res := postCommand(t, ts.URL, " t 1.5 \n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Accepted)
	assert.Equal(t, "t 1.5", res.Command)
	assert.Equal(t, []string{"t 1.5"}, r.got)
}

func TestAPICommand_Rejected(t *testing.T) {
	r := &fakeRunner{res: command.Result{Error: "command: syntax error"}}
	ts := newTestServer(t, Deps{Commands: r})

	resp, res := postCommand(t, ts.URL, "q")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "command: syntax error", res.Error)
}

func TestAPICommand_LinkFailure(t *testing.T) {
	r := &fakeRunner{err: errors.New("servo link down")}
	ts := newTestServer(t, Deps{Commands: r})

	resp, res := postCommand(t, ts.URL, "l")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "servo link down", res.Error)
}

func TestAPICommand_BadBodies(t *testing.T) {
	r := &fakeRunner{}
	ts := newTestServer(t, Deps{Commands: r})

	resp, _ := postCommand(t, ts.URL, "   ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postCommand(t, ts.URL, strings.Repeat("x", maxCommandBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, r.got)
}

func TestAPICommand_Unavailable(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, _ := postCommand(t, ts.URL, "h")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(2)
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.AddHook(logs)
	log.Info("one")
	log.WithField("mode", "hover").Warn("two")
	log.Error("three")

	ts := newTestServer(t, Deps{Logs: logs})

	resp, err := http.Get(ts.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got LogsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, uint64(1), got.Dropped)
	require.Len(t, got.Lines, 2)
	assert.Contains(t, got.Lines[0], "msg=two")
	assert.Contains(t, got.Lines[0], "mode=hover")
	assert.Contains(t, got.Lines[1], "msg=three")

	resp2, err := http.Get(ts.URL + "/api/logs?tail=1&format=text")
	require.NoError(t, err)
	defer resp2.Body.Close()
	b, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "[dropped=1]\n"))
	assert.Contains(t, string(b), "msg=three")
	assert.NotContains(t, string(b), "msg=two")

	resp3, err := http.Get(ts.URL + "/api/logs?tail=0")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestAPIAbout(t *testing.T) {
	ts := newTestServer(t, Deps{})
	resp, err := http.Get(ts.URL + "/api/about")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got AboutResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "rotorpilot", got.Service)
	assert.NotEmpty(t, got.GoVersion)
}

func TestRootAndUnknownPaths(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), "rotorpilot hover")

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// No stream configured.
	resp, err = http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
