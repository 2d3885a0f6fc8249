package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/crypto"
	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// CredentialUpdater accepts refreshed session credentials.
type CredentialUpdater interface {
	Update(ctx context.Context, creds domain.SessionCredentials) error
}

// SignatureVerifier checks a signed request body.
type SignatureVerifier interface {
	Verify(header string, body []byte, now time.Time) error
}

// CredentialHandler receives credentials pushed by the browser extension.
type CredentialHandler struct {
	creds    CredentialUpdater
	verifier SignatureVerifier // nil disables signature checks
	logger   *slog.Logger
}

// NewCredentialHandler creates a CredentialHandler. A nil verifier accepts
// unsigned pushes.
func NewCredentialHandler(creds CredentialUpdater, verifier SignatureVerifier, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{
		creds:    creds,
		verifier: verifier,
		logger:   logger.With(slog.String("handler", "credentials")),
	}
}

// PushCredentials stores a refreshed session.
// POST /api/credentials
func (h *CredentialHandler) PushCredentials(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(r.Header.Get(crypto.SignatureHeader), body, time.Now()); err != nil {
			h.logger.WarnContext(r.Context(), "rejected unsigned credential push",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	var creds domain.SessionCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.creds.Update(r.Context(), creds); err != nil {
		writeDomainError(w, r, h.logger, "update credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "updated",
		"expiresAt": creds.ExpiresAt,
	})
}
