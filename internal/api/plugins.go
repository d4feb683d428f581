package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/mcpd/internal/plugin"
)

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	pm := s.coord.Plugins()
	if pm == nil {
		respondJSON(w, http.StatusOK, PluginListResponse{Plugins: []plugin.Descriptor{}, Capabilities: map[string][]string{}})
		return
	}
	respondJSON(w, http.StatusOK, PluginListResponse{
		Plugins:      pm.List(),
		Capabilities: pm.Capabilities(),
	})
}

// handleGetPlugin handles GET /plugins/{name}.
func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	pm := s.coord.Plugins()
	if pm == nil {
		s.writeErr(w, plugin.ErrNotFound)
		return
	}
	desc, err := pm.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, desc)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setPluginEnabled(w, r, true)
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setPluginEnabled(w, r, false)
}

func (s *Server) setPluginEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	pm := s.coord.Plugins()
	if pm == nil {
		s.writeErr(w, plugin.ErrNotFound)
		return
	}
	name := chi.URLParam(r, "name")
	var (
		desc plugin.Descriptor
		err  error
	)
	if enabled {
		desc, err = pm.Enable(name)
	} else {
		desc, err = pm.Disable(name)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Info("plugin toggled", "plugin", name, "enabled", enabled)
	respondJSON(w, http.StatusOK, desc)
}
