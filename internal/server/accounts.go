package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"dmrelay/internal/auth"
)

const accountsPage = "/accounts.html"

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.accounts.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list accounts", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acc, err := s.accounts.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load account", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acc == nil {
		writeError(w, http.StatusNotFound, "Account not found")
		return
	}

	handle := accountHandle(acc.Username, acc.OpenID)
	if err := s.oauth.Revoke(r.Context(), acc.AccessToken); err != nil {
		s.logger.Warn("token revoke failed (may already be invalid)", "account", handle, "err", err)
	} else {
		s.logger.Info("revoked token", "account", handle)
	}

	if _, err := s.accounts.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete account", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	s.logger.Info("account disconnected", "account", handle)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.oauth.Configured() {
		http.Error(w, "oauth.clientKey is not configured", http.StatusBadRequest)
		return
	}
	p, err := s.pending.Create()
	if err != nil {
		s.logger.Error("failed to start authorization", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}

	redirectURI := s.redirectURI(r)
	s.logger.Info("oauth redirect", "redirect_uri", redirectURI)

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	http.Redirect(w, r, s.oauth.AuthorizeURL(p, redirectURI), http.StatusSeeOther)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		redirectAccounts(w, r, "error", "missing_code")
		return
	}
	p, ok := s.pending.Consume(q.Get("state"))
	if !ok {
		redirectAccounts(w, r, "error", "expired_state")
		return
	}

	acc, err := s.oauth.Complete(r.Context(), code, s.redirectURI(r), p.Verifier)
	if err != nil {
		s.logger.Error("oauth failed", "err", err)
		redirectAccounts(w, r, "error", oauthDetail(err))
		return
	}

	created, err := s.accounts.Upsert(r.Context(), acc)
	if err != nil {
		s.logger.Error("failed to store account", "err", err)
		redirectAccounts(w, r, "error", "storage_failed")
		return
	}
	s.logger.Info("account connected", "account", accountHandle(acc.Username, acc.OpenID), "created", created)
	redirectAccounts(w, r, "connected", "1")
}

// redirectURI is the callback URL registered with the provider. A configured
// public URL wins; otherwise it is derived from the request, honouring
// X-Forwarded-Proto from a reverse proxy.
func (s *Server) redirectURI(r *http.Request) string {
	if base := strings.TrimRight(s.cfg.Server.PublicURL, "/"); base != "" {
		return base + "/auth/callback"
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	return proto + "://" + r.Host + "/auth/callback"
}

func redirectAccounts(w http.ResponseWriter, r *http.Request, key, value string) {
	http.Redirect(w, r, accountsPage+"?"+key+"="+url.QueryEscape(value), http.StatusFound)
}

func oauthDetail(err error) string {
	var oe *auth.Error
	if errors.As(err, &oe) && oe.Detail != "" {
		return oe.Detail
	}
	return err.Error()
}

func accountHandle(username, openID string) string {
	if username != "" {
		return "@" + username
	}
	return openID
}
