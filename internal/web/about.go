package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"
)

// Version is set at link time: -ldflags "-X rotorpilot/internal/web.Version=v1.2.3".
var Version = ""

type AboutResponse struct {
	Service   string `json:"service"`
	NowUTC    string `json:"now_utc"`
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// About collects build details. Version falls back to the module version
// recorded by the go tool.
func About() AboutResponse {
	resp := AboutResponse{
		Service:   "rotorpilot",
		NowUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		GoVersion: runtime.Version(),
		Version:   Version,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return resp
	}
	if resp.Version == "" {
		resp.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			resp.Commit = s.Value
		case "vcs.modified":
			resp.Dirty = s.Value == "true"
		case "vcs.time":
			resp.BuildTime = s.Value
		}
	}
	return resp
}

func AboutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, About())
	})
}
