package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mcpbridge/gateway/pkg/gwauth"
	"github.com/mcpbridge/gateway/pkg/gwcore"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwlog"
	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

// api holds the dependencies every REST handler needs. Handlers are plain
// methods rather than closures over a builder function, matching the
// receiver-per-handler shape the corpus favors for anything with more than
// one collaborator.
type api struct {
	gw      *gwcore.Gateway
	auth    *gwauth.Manager
	bus     *gwevents.Bus
	reqlog  *gwlog.Log
	baseURL string
}

func newAPI(gw *gwcore.Gateway, auth *gwauth.Manager, bus *gwevents.Bus, reqlog *gwlog.Log, baseURL string) *api {
	return &api{gw: gw, auth: auth, bus: bus, reqlog: reqlog, baseURL: baseURL}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)

	mux.HandleFunc("GET /servers", a.handleListServers)
	mux.HandleFunc("POST /servers", a.handleCreateServer)
	mux.HandleFunc("GET /servers/{id}", a.handleGetServer)
	mux.HandleFunc("PATCH /servers/{id}", a.handleUpdateServer)
	mux.HandleFunc("DELETE /servers/{id}", a.handleDeleteServer)
	mux.HandleFunc("POST /servers/{id}/connect", a.handleConnect)
	mux.HandleFunc("POST /servers/{id}/disconnect", a.handleDisconnect)
	mux.HandleFunc("POST /servers/{id}/reconnect", a.handleReconnect)
	mux.HandleFunc("POST /servers/{id}/enable", a.handleEnable)
	mux.HandleFunc("POST /servers/{id}/disable", a.handleDisable)

	mux.HandleFunc("POST /servers/{id}/auth/initiate", a.handleAuthInitiate)
	mux.HandleFunc("GET /servers/{id}/auth/status", a.handleAuthStatus)
	mux.HandleFunc("POST /servers/{id}/auth/revoke", a.handleAuthRevoke)
	mux.HandleFunc("GET /oauth/callback/{serverId}", a.handleOAuthCallback)

	mux.HandleFunc("GET /tools", a.handleAggregatedTools)
	mux.HandleFunc("GET /resources", a.handleAggregatedResources)
	mux.HandleFunc("GET /prompts", a.handleAggregatedPrompts)
	mux.HandleFunc("POST /tools/call", a.handleCallTool)

	mux.HandleFunc("GET /events", a.handleEvents)

	mux.HandleFunc("GET /logs", a.handleListLogs)
	mux.HandleFunc("GET /logs/stats", a.handleLogStats)
	mux.HandleFunc("GET /logs/{id}", a.handleGetLog)
	mux.HandleFunc("DELETE /logs", a.handleClearLogs)
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *api) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.GetAllServerStatuses())
}

type createServerRequest struct {
	Name      string             `json:"name"`
	Enabled   *bool              `json:"enabled"`
	Transport gwtypes.Transport  `json:"transport"`
	Command   string             `json:"command"`
	Args      []string           `json:"args"`
	Env       map[string]string  `json:"env"`
	Cwd       string             `json:"cwd"`
	URL       string             `json:"url"`
	Headers   map[string]string  `json:"headers"`
	Auth      gwtypes.AuthConfig `json:"auth"`
}

func (a *api) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Transport == "" {
		writeError(w, http.StatusBadRequest, gwtypes.NewInvalidConfig("name and transport are required"))
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := gwtypes.ServerConfig{
		ID:        newServerID(),
		Name:      req.Name,
		Enabled:   enabled,
		Transport: req.Transport,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		Cwd:       req.Cwd,
		URL:       req.URL,
		Headers:   req.Headers,
		Auth:      req.Auth,
	}
	saved, err := a.gw.RegisterServer(r.Context(), cfg)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (a *api) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := a.gw.GetServerStatus(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type updateServerRequest struct {
	Name    *string             `json:"name"`
	Enabled *bool               `json:"enabled"`
	Command *string             `json:"command"`
	Args    []string            `json:"args"`
	Env     map[string]string   `json:"env"`
	Cwd     *string             `json:"cwd"`
	URL     *string             `json:"url"`
	Headers map[string]string   `json:"headers"`
	Auth    *gwtypes.AuthConfig `json:"auth"`
}

func (a *api) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	patch := gwstore.ServerPatch{
		Name:    req.Name,
		Enabled: req.Enabled,
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Cwd:     req.Cwd,
		URL:     req.URL,
		Headers: req.Headers,
		Auth:    req.Auth,
	}
	updated, err := a.gw.UpdateServer(r.Context(), id, patch)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *api) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.gw.RemoveServer(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	a.runAction(w, r, a.gw.ConnectServer)
}

func (a *api) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.runAction(w, r, a.gw.DisconnectServer)
}

func (a *api) handleReconnect(w http.ResponseWriter, r *http.Request) {
	a.runAction(w, r, a.gw.ReconnectServer)
}

func (a *api) runAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error) {
	id := r.PathValue("id")
	if err := action(r.Context(), id); err != nil {
		if errors.Is(err, gwtypes.ErrAwaitingOAuth) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "awaitingOauth"})
			return
		}
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleEnable(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, true)
}

func (a *api) handleDisable(w http.ResponseWriter, r *http.Request) {
	a.setEnabled(w, r, false)
}

func (a *api) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	_, err := a.gw.UpdateServer(r.Context(), id, gwstore.ServerPatch{Enabled: &enabled})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg, err := a.gw.GetServerStatus(id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	result, err := a.auth.InitiateAuth(r.Context(), id, cfg.Config.URL, cfg.Config.Auth)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

func (a *api) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, a.auth.GetAuthStatus(id))
}

func (a *api) handleAuthRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.auth.RevokeTokens(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOAuthCallback is the browser-facing redirect target the
// authorization server sends the end user's browser to after consent. It
// never returns a JSON body: every path ends in a redirect back to the
// gateway's own UI, which reads oauth/serverId/message off the query
// string to render the result.
func (a *api) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("serverId")
	code := r.URL.Query().Get("code")
	if code == "" {
		a.redirectOAuthResult(w, r, id, errors.New("missing code query parameter"))
		return
	}
	status, err := a.gw.GetServerStatus(id)
	if err != nil {
		a.redirectOAuthResult(w, r, id, err)
		return
	}
	if _, err := a.auth.HandleCallback(r.Context(), id, status.Config.URL, code, status.Config.Auth); err != nil {
		a.redirectOAuthResult(w, r, id, err)
		return
	}
	if err := a.gw.OnOAuthComplete(r.Context(), id); err != nil {
		a.redirectOAuthResult(w, r, id, err)
		return
	}
	a.redirectOAuthResult(w, r, id, nil)
}

// redirectOAuthResult sends the browser back to "/" with query parameters
// describing the outcome, matching the shape the gateway's UI expects for
// both the success and failure cases of the OAuth callback.
func (a *api) redirectOAuthResult(w http.ResponseWriter, r *http.Request, id string, cause error) {
	dest := "/?oauth=success&serverId=" + url.QueryEscape(id)
	if cause != nil {
		dest = "/?oauth=error&serverId=" + url.QueryEscape(id) + "&message=" + url.QueryEscape(cause.Error())
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (a *api) handleAggregatedTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.GetAllTools())
}

func (a *api) handleAggregatedResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.GetAllResources())
}

func (a *api) handleAggregatedPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.gw.GetAllPrompts())
}

type callToolRequest struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

func (a *api) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req callToolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := a.gw.CallToolByName(r.Context(), req.Name, req.Arguments)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := gwlog.Filter{
		Type:     gwtypes.LogEntryType(q.Get("type")),
		ServerID: q.Get("serverId"),
		Status:   gwtypes.LogEntryStatus(q.Get("status")),
		Query:    q.Get("q"),
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	writeJSON(w, http.StatusOK, a.reqlog.List(filter))
}

func (a *api) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := a.reqlog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no such log entry"))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) handleLogStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.reqlog.Stats())
}

func (a *api) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	a.reqlog.Clear()
	writeJSON(w, http.StatusOK, nil)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// envelope is the shape every REST response carries: {success, data} on
// success, {success:false, error} on failure. Handlers never build one
// themselves — they hand writeJSON/writeError the bare payload and let
// these two do the wrapping, so the envelope stays uniform by construction.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: v})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()})
}

func statusForError(err error) int {
	var notFound *gwtypes.ConfigNotFoundError
	var dup *gwtypes.DuplicateNameError
	var invalid *gwtypes.InvalidConfigError
	var noCap *gwtypes.NoSuchCapabilityError
	var notConnected *gwtypes.NotConnectedError
	switch {
	case errors.As(err, &notFound), errors.As(err, &noCap):
		return http.StatusNotFound
	case errors.As(err, &dup), errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &notConnected):
		return http.StatusConflict
	case errors.Is(err, gwtypes.ErrAwaitingOAuth):
		return http.StatusAccepted
	default:
		return http.StatusBadGateway
	}
}

func newServerID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
