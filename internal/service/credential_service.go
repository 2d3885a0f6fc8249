package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// SessionRefresher is told when new credentials arrive so it stops treating
// the session as expired.
type SessionRefresher interface {
	CredentialsValid() bool
	CredentialsUpdated()
}

// CredentialService accepts session credentials pushed by the browser
// extension.
type CredentialService struct {
	store     domain.CredentialStore
	upstream  SessionRefresher
	publisher domain.EventPublisher
	audit     domain.AuditStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewCredentialService creates a CredentialService. publisher and audit may
// be nil.
func NewCredentialService(
	store domain.CredentialStore,
	upstream SessionRefresher,
	publisher domain.EventPublisher,
	audit domain.AuditStore,
	logger *slog.Logger,
) *CredentialService {
	return &CredentialService{
		store:     store,
		upstream:  upstream,
		publisher: publisher,
		audit:     audit,
		logger:    logger.With(slog.String("component", "credential_service")),
		now:       time.Now,
	}
}

// Update validates and stores creds, then lets the upstream client and any
// paused auctions pick them up.
func (s *CredentialService) Update(ctx context.Context, creds domain.SessionCredentials) error {
	if creds.Token == "" {
		verr := &domain.ValidationError{}
		verr.Add("token", "is required")
		return verr
	}
	now := s.now()
	if creds.Expired(now) {
		verr := &domain.ValidationError{}
		verr.Add("expiresAt", "is in the past")
		return verr
	}
	creds.RefreshedAt = now

	if err := s.store.SaveCredentials(ctx, creds); err != nil {
		return fmt.Errorf("credential_service: save: %w", err)
	}
	if s.upstream != nil {
		s.upstream.CredentialsUpdated()
	}

	s.logger.InfoContext(ctx, "session credentials updated", slog.String("credentials", creds.String()))
	if s.publisher != nil {
		s.publisher.Publish(ctx, domain.Event{
			Type: domain.EventCredentials,
			Payload: map[string]any{
				"valid":     true,
				"expiresAt": creds.ExpiresAt,
			},
			Timestamp: now,
		})
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "credentials.updated", map[string]any{"expires_at": creds.ExpiresAt}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Valid reports whether the upstream session is currently usable.
func (s *CredentialService) Valid() bool {
	if s.upstream == nil {
		return true
	}
	return s.upstream.CredentialsValid()
}
