package server

import (
	"net/http"

	"dmrelay/internal/chatlog"
	"dmrelay/internal/domain"
)

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := chatlog.Filter{
		AccountID: q.Get("accountId"),
		ChannelID: q.Get("channelId"),
	}
	msgs, err := s.chatLog.ReadAll(filter)
	if err != nil {
		// History stays readable as an empty list; the cause goes to the log.
		s.logger.Error("failed to read chats", "err", err)
		msgs = []domain.CanonicalMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleClearChats(w http.ResponseWriter, _ *http.Request) {
	if err := s.chatLog.Clear(); err != nil {
		s.logger.Error("failed to clear chats", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to clear chat log")
		return
	}
	s.logger.Info("chat log cleared", "path", s.chatLog.Path())
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type statusResponse struct {
	Provider      domain.ProviderKind `json:"provider"`
	HasAPIKey     bool                `json:"hasApiKey"`
	Contacts      int                 `json:"contacts"`
	SeenMessages  int                 `json:"seenMessages"`
	Polling       bool                `json:"polling"`
	ChatLogPath   string              `json:"chatLogPath"`
	ChatLogExists bool                `json:"chatLogExists"`
	ChatCount     int                 `json:"chatCount"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Provider:      s.provider.Kind(),
		HasAPIKey:     s.provider.HasCredential(),
		ChatLogPath:   s.chatLog.Path(),
		ChatLogExists: s.chatLog.Exists(),
	}
	if sr, ok := s.provider.(domain.SyncReporter); ok {
		st := sr.SyncStatus()
		resp.Contacts = st.KnownContacts
		resp.SeenMessages = st.SeenMessages
		resp.Polling = st.Polling
	}
	if n, err := s.chatLog.Count(); err == nil {
		resp.ChatCount = n
	} else {
		s.logger.Warn("failed to count chats", "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}
