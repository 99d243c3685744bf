package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/morezero/device-bridge/pkg/catalog"
	"github.com/morezero/device-bridge/pkg/dispatcher"
	"github.com/morezero/device-bridge/pkg/mode"
	"github.com/morezero/device-bridge/pkg/mode/ipc"
	"github.com/morezero/device-bridge/pkg/mode/local"
	"github.com/morezero/device-bridge/pkg/mode/relay"
)

const recentCallsShown = 20

// ModeView is one mode's row on the status page and in /health.
type ModeView struct {
	Kind             mode.Kind  `json:"kind"`
	State            mode.State `json:"state"`
	Message          string     `json:"message,omitempty"`
	ConnectedClients int        `json:"connectedClients"`
	Endpoint         string     `json:"endpoint,omitempty"`
}

// HealthOutput is the /health body.
type HealthOutput struct {
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	DeviceID  string          `json:"deviceId"`
	Modes     []ModeView      `json:"modes"`
	Checks    map[string]bool `json:"checks"`
}

// homeData is the data passed to the home page template.
type homeData struct {
	Version     string
	Health      *HealthOutput
	Tools       []catalog.ToolInfo
	RecentCalls []*dispatcher.CallRecord
}

// statusHandler serves the status page and the JSON endpoints.
func (s *Server) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := s.health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/api/tools", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mode.Tools(s.disp, s.catalog))
	})
	mux.HandleFunc("/api/calls", s.handleCalls)
	return mux
}

// health is healthy when every configured mode is Running and the database, if any, answers.
func (s *Server) health(ctx context.Context) *HealthOutput {
	h := &HealthOutput{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DeviceID:  s.cfg.DeviceID,
		Modes:     s.modeViews(),
		Checks:    map[string]bool{},
	}
	for _, m := range h.Modes {
		ok := m.State == mode.StateRunning
		h.Checks[string(m.Kind)] = ok
		if !ok {
			h.Status = "unhealthy"
		}
	}
	if s.pool != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
		defer cancel()
		ok := s.pool.Ping(pingCtx) == nil
		h.Checks["database"] = ok
		if !ok {
			h.Status = "unhealthy"
		}
	}
	return h
}

func (s *Server) modeViews() []ModeView {
	views := make([]ModeView, 0, len(s.modes))
	for _, m := range s.modes {
		st := m.Status()
		v := ModeView{Kind: m.Kind(), State: st.State, Message: st.Message, ConnectedClients: st.ConnectedClients}
		switch mm := m.(type) {
		case *ipc.Mode:
			v.Endpoint = mm.SocketPath()
		case *local.Mode:
			if addr := mm.Addr(); addr != nil {
				v.Endpoint = "http://" + addr.String() + local.Path
			}
		case *relay.Mode:
			v.Endpoint = fmt.Sprintf("%s (%s)", s.cfg.COMMSURL, mm.ConnectionState())
		}
		views = append(views, v)
	}
	return views
}

// handleCalls returns recent calls, from the database when configured.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		calls, err := s.repo.ListRecentCalls(ctx, r.URL.Query().Get("action"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, calls)
		return
	}
	writeJSON(w, s.recentCalls(limit))
}

// recentCalls returns the newest in-memory records first.
func (s *Server) recentCalls(limit int) []*dispatcher.CallRecord {
	if s.calls == nil {
		return []*dispatcher.CallRecord{}
	}
	recs := s.calls.Records()
	out := make([]*dispatcher.CallRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, recs[i])
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", logPrefix, err))
	}
}

// homePageTemplate is the HTML for the bridge status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Device Bridge</title>
  <style>
    body { font: 15px/1.45 -apple-system, "Segoe UI", Roboto, sans-serif; color: #1f2328; margin: 0 auto; padding: 1.5rem; max-width: 960px; }
    h1 { font-size: 1.6rem; margin-bottom: 0; }
    h2 { font-size: 1.15rem; border-bottom: 1px solid #d0d7de; padding-bottom: 0.25rem; }
    .meta { color: #59636e; font-size: 0.85rem; }
    .status-healthy, .state-running { color: #1a7f37; font-weight: 600; }
    .status-unhealthy, .state-error { color: #d1242f; font-weight: 600; }
    .state-starting, .state-stopping { color: #9a6700; }
    .state-idle { color: #59636e; }
    table { border-collapse: collapse; width: 100%; font-size: 0.9rem; }
    th { text-align: left; font-weight: 600; background: #f6f8fa; }
    th, td { padding: 0.35rem 0.6rem; border-bottom: 1px solid #d0d7de; }
    td.err { color: #d1242f; }
    section { margin-top: 1.75rem; }
  </style>
</head>
<body>
  <h1>Device Bridge</h1>
  <p class="meta">Device {{.Health.DeviceID}} · version {{.Version}} · {{.Health.Timestamp}}</p>

  <section>
    <h2>Modes</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{if not .Health.Modes}}
    <p>No modes enabled.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Mode</th><th>State</th><th>Clients</th><th>Endpoint</th><th>Message</th></tr>
      </thead>
      <tbody>
        {{range .Health.Modes}}
        <tr>
          <td>{{.Kind}}</td>
          <td class="state-{{.State}}">{{.State}}</td>
          <td>{{.ConnectedClients}}</td>
          <td>{{.Endpoint}}</td>
          <td>{{.Message}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Tools</h2>
    {{if not .Tools}}
    <p>No tools registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Category</th><th>Tool</th><th>Action</th><th>Description</th></tr>
      </thead>
      <tbody>
        {{range .Tools}}
        <tr><td>{{.Category}}</td><td>{{.DisplayName}}</td><td>{{.Name}}</td><td>{{.Description}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Recent calls</h2>
    {{if not .RecentCalls}}
    <p>No calls yet.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Time</th><th>Action</th><th>Transport</th><th>Result</th><th>Duration</th></tr>
      </thead>
      <tbody>
        {{range .RecentCalls}}
        <tr>
          <td>{{.At.Format "15:04:05"}}</td>
          <td>{{.Action}}</td>
          <td>{{.Transport}}</td>
          {{if .Success}}<td>ok</td>{{else}}<td class="err">{{.Error}}</td>{{end}}
          <td>{{.DurationMs}}ms</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := homeData{
			Version:     Version,
			Health:      s.health(r.Context()),
			Tools:       mode.Tools(s.disp, s.catalog),
			RecentCalls: s.recentCalls(recentCallsShown),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
