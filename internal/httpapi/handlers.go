package httpapi

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mcphub-dev/mcphub/internal/settings"
)

// handleSettingsExport returns the live settings document: the response
// is exactly what Store.Load would hand the rest of the process, with
// ${VAR} references already expanded (handleMCPSettings serves the
// unexpanded on-disk form).
func (s *Server) handleSettingsExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// handleMCPSettings exports the raw (unexpanded) settings document, or a
// single server's config when ?serverName= is given. The unexpanded form
// is what round-trips: exporting the expanded document would bake
// resolved environment secrets into the caller's copy.
func (s *Server) handleMCPSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.LoadOriginal()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	serverName := r.URL.Query().Get("serverName")
	if serverName == "" {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": doc})
		return
	}

	cfg, ok := doc.MCPServers[serverName]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"message": fmt.Sprintf("Server '%s' not found", serverName),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]*settings.ServerConfig{serverName: cfg},
	})
}

type serverSummary struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]serverSummary, 0, len(doc.MCPServers))
	for name, cfg := range doc.MCPServers {
		out = append(out, serverSummary{Name: name, Type: string(cfg.Type), Enabled: cfg.IsEnabled()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetServerEnabled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc, err := s.store.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cfg, ok := doc.MCPServers[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown server: "+name)
		return
	}
	cfg.Enabled = settings.Bool(body.Enabled)

	if err := s.store.Save(doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, serverSummary{Name: name, Type: string(cfg.Type), Enabled: cfg.IsEnabled()})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*settings.Group, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		out = append(out, g)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var group settings.Group
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	group.ID = id

	doc, err := s.store.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc.Groups == nil {
		doc.Groups = map[string]*settings.Group{}
	}
	doc.Groups[id] = &group

	if err := s.store.Save(doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := s.store.Load()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, ok := doc.Groups[id]; !ok {
		s.writeError(w, http.StatusNotFound, "unknown group: "+id)
		return
	}
	delete(doc.Groups, id)

	if err := s.store.Save(doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const oauthCallbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Authorization complete</title></head>
<body>
<p>Authorization for <strong>%s</strong> completed. You can close this window.</p>
<script>setTimeout(function () { window.close(); }, 3000);</script>
</body>
</html>`

const oauthCallbackErrorPage = `<!DOCTYPE html>
<html>
<head><title>Authorization failed</title></head>
<body>
<p>Authorization failed: %s</p>
</body>
</html>`

// handleOAuthCallback completes the authorization-code flow an
// authorization server redirects the browser back to, per spec.md §6's
// `GET <base>/oauth/callback?code=&state=`. The response is a browser
// page, not JSON — the success variant auto-closes after 3 seconds.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if code == "" || state == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, oauthCallbackErrorPage, html.EscapeString("missing code or state"))
		return
	}

	serverName, err := s.oauth.HandleCallback(r.Context(), state, code)
	if err != nil {
		s.logger.Warn("oauth callback failed", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, oauthCallbackErrorPage, html.EscapeString(err.Error()))
		return
	}

	fmt.Fprintf(w, oauthCallbackSuccessPage, html.EscapeString(serverName))
}
