package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/azuread"
	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/models"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/metrics"
)

// ErrMissingSubject is returned when the verified claims carry no oid; no
// storage write happens in that case.
var ErrMissingSubject = errors.New("users: token claims carry no oid")

// Service encapsulates user synchronization business logic.
type Service struct {
	repo  UserRepository
	audit *audit.Logger
}

func NewService(repo UserRepository, auditLog *audit.Logger) *Service {
	return &Service{repo: repo, audit: auditLog}
}

// SyncFromClaims performs the idempotent create-or-update of the user record
// for the verified access-token claims. secondary optionally carries the
// decoded ID-token claims from the x-id-token header.
//
// Roles are frequently present only in the ID token, so the ID-token roles
// win whenever present and non-empty; otherwise the access-token roles apply.
func (s *Service) SyncFromClaims(ctx context.Context, primary azuread.Claims, secondary *azuread.Claims) (*models.User, bool, error) {
	if primary.OID == "" {
		return nil, false, ErrMissingSubject
	}

	roles := primary.Roles
	if secondary != nil && len(secondary.Roles) > 0 {
		roles = secondary.Roles
	}

	name := primary.Name
	if name == "" {
		name = "Unknown User"
	}
	email := primary.Email
	if email == "" {
		email = primary.OID + "@azuread.local"
	}

	u := &models.User{
		OID:               primary.OID,
		Name:              name,
		Email:             email,
		PreferredUsername: primary.PreferredUsername,
		TenantID:          primary.TenantID,
		Roles:             roles,
		Claims:            primary.Raw,
	}

	out, isNew, err := s.repo.Upsert(ctx, u)
	if err != nil {
		metrics.UserSyncs.WithLabelValues("failed").Inc()
		return nil, false, fmt.Errorf("sync user %s: %w", primary.OID, err)
	}

	if isNew {
		s.audit.Record(ctx, audit.EventUserCreated, map[string]interface{}{
			"userId":    out.OID,
			"userEmail": out.Email,
			"userName":  out.Name,
			"tenantId":  out.TenantID,
		})
		metrics.UserSyncs.WithLabelValues("created").Inc()
		logger.Infof("new user created: %s", out.OID)
	} else {
		s.audit.Record(ctx, audit.EventUserUpdated, map[string]interface{}{
			"userId":    out.OID,
			"userEmail": out.Email,
		})
		metrics.UserSyncs.WithLabelValues("updated").Inc()
		logger.Debugf("existing user updated: %s", out.OID)
	}
	return out, isNew, nil
}

// GetByOID returns the stored record for oid, or (nil, nil) when the user has
// never been synced.
func (s *Service) GetByOID(ctx context.Context, oid string) (*models.User, error) {
	return s.repo.GetByOID(ctx, oid)
}
