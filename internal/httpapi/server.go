// Package httpapi exposes the public HTTP surface: upload/download, sharing,
// conversation deletion, export, and the WebSocket endpoint. A reverse proxy
// in front of the service authenticates users and forwards the identity in
// the X-User-ID header.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/auth"
	"github.com/quarry-lab/conductor/internal/export"
	"github.com/quarry-lab/conductor/internal/files"
	"github.com/quarry-lab/conductor/internal/session"
	"github.com/quarry-lab/conductor/internal/store"
)

const userHeader = "X-User-ID"

// Server wires the public endpoints to the underlying services.
type Server struct {
	files    *files.Service
	exports  *export.Service
	tokens   *auth.Tokens
	sessions *session.Manager
	st       *store.Store
	logger   *zap.Logger
}

func NewServer(fileSvc *files.Service, exportSvc *export.Service, tokens *auth.Tokens, sessions *session.Manager, st *store.Store, logger *zap.Logger) *Server {
	return &Server{
		files:    fileSvc,
		exports:  exportSvc,
		tokens:   tokens,
		sessions: sessions,
		st:       st,
		logger:   logger,
	}
}

// Routes registers every public endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /files/{id}", s.handleGetFile)
	mux.HandleFunc("GET /share/{token}/files/{id}", s.handleGetShared)
	mux.HandleFunc("POST /share", s.handleShare)
	mux.HandleFunc("DELETE /chat/{id}", s.handleDeleteChat)
	mux.HandleFunc("POST /export/request", s.handleExportRequest)
	mux.HandleFunc("GET /export/status", s.handleExportStatus)
	mux.HandleFunc("GET /export/download", s.handleExportDownload)
	mux.HandleFunc("DELETE /export", s.handleExportClear)
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := r.Header.Get(userHeader)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return uid, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation_id")
		return
	}
	mime := header.Header.Get("Content-Type")

	meta, err := s.files.Upload(r.Context(), uid, conversationID, header.Filename, mime, file)
	switch {
	case errors.Is(err, files.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, files.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		s.logger.Error("upload failed", zap.String("user_id", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upload failed")
	default:
		writeJSON(w, http.StatusCreated, meta)
	}
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	meta, data, err := s.files.Get(r.Context(), uid, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		s.logger.Error("file fetch failed", zap.String("user_id", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "file fetch failed")
		return
	}
	serveFile(w, meta, data)
}

func (s *Server) handleGetShared(w http.ResponseWriter, r *http.Request) {
	meta, data, err := s.files.GetShared(r.Context(), r.PathValue("token"), r.PathValue("id"))
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongPurpose):
		writeError(w, http.StatusUnauthorized, "invalid share link")
	case errors.Is(err, files.ErrForbidden):
		writeError(w, http.StatusForbidden, "file is not part of this conversation")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case err != nil:
		s.logger.Error("shared fetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "file fetch failed")
	default:
		serveFile(w, meta, data)
	}
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation_id")
		return
	}
	token, err := s.tokens.MintShare(uid, req.ConversationID)
	if err != nil {
		s.logger.Error("share mint failed", zap.String("user_id", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "share failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleDeleteChat removes a conversation: its live session and sandbox, its
// messages, and every file uploaded to it.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	conversationID := r.PathValue("id")

	s.sessions.DestroyConversation(r.Context(), uid, conversationID)
	if err := s.files.DeleteConversationFiles(r.Context(), uid, conversationID); err != nil {
		s.logger.Error("conversation file cleanup failed",
			zap.String("user_id", uid), zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if err := s.st.DeleteConversationMessages(r.Context(), uid, conversationID); err != nil {
		s.logger.Error("conversation message cleanup failed",
			zap.String("user_id", uid), zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportRequest(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	state, err := s.exports.Request(r.Context(), uid)
	if errors.Is(err, export.ErrInProgress) {
		writeError(w, http.StatusConflict, "export already processing")
		return
	}
	if err != nil {
		s.logger.Error("export request failed", zap.String("user_id", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	state, err := s.exports.Status(r.Context(), uid)
	if err != nil {
		s.logger.Error("export status failed", zap.String("user_id", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export status failed")
		return
	}
	resp := map[string]any{"status": state.Status}
	if state.Status == store.ExportStatusReady {
		token, err := s.exports.DownloadToken(r.Context(), uid)
		if err == nil {
			resp["download_token"] = token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	path, err := s.exports.Resolve(r.Context(), token)
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongPurpose):
		writeError(w, http.StatusUnauthorized, "invalid download link")
	case errors.Is(err, export.ErrNotReady):
		writeError(w, http.StatusNotFound, "no bundle available")
	case err != nil:
		s.logger.Error("export download failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "download failed")
	default:
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="export.zip"`)
		http.ServeFile(w, r, path)
	}
}

func (s *Server) handleExportClear(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.exports.Clear(r.Context(), uid); err != nil {
		s.logger.Error("export clear failed", zap.String("user_id", uid), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func serveFile(w http.ResponseWriter, meta store.FileMeta, data []byte) {
	w.Header().Set("Content-Type", meta.MIME)
	w.Header().Set("Content-Disposition", `attachment; filename="`+meta.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
