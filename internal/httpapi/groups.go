package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/groups"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

type groupView struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Folder  string    `json:"folder"`
	AddedAt time.Time `json:"added_at"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	sort.Slice(list, func(i, j int) bool { return list[i].Folder < list[j].Folder })

	out := make([]groupView, 0, len(list))
	for _, g := range list {
		out = append(out, groupView{ID: g.ID, Name: g.Name, Folder: g.Folder, AddedAt: g.AddedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type createGroupRequest struct {
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

type createGroupResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name must not be empty"})
		return
	}

	seed := req.Folder
	if seed == "" {
		seed = req.Name
	}
	folder, err := groups.NormalizeGroupID(seed)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid folder"})
		return
	}
	if s.registry.Exists(folder) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "group already exists"})
		return
	}

	if err := s.registry.Register(r.Context(), store.Group{ID: folder, Name: req.Name, Folder: folder}); err != nil {
		slog.Error("register group failed", "folder", folder, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not register group"})
		return
	}
	writeJSON(w, http.StatusCreated, createGroupResponse{ID: folder, Name: req.Name, Folder: folder})
}

// handleDeleteSession stops the group's live container and forgets its
// stored session, forcing the next prompt to start a fresh
// conversation.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	folder, err := groups.NormalizeGroupID(r.PathValue("folder"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group folder"})
		return
	}

	if !s.queue.HasLiveProcess(folder) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}

	if err := s.queue.StopGroup(r.Context(), folder); err != nil {
		slog.Warn("session stop incomplete", "group", folder, "error", err)
	}
	if err := s.sessions.Delete(r.Context(), folder); err != nil {
		slog.Warn("session record delete failed", "group", folder, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
