package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/models"
)

// DB is the subset of the pgx pool the repository needs. It is satisfied by
// *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository defines persistence operations for users.
type UserRepository interface {
	// Upsert creates or updates the record for u.OID inside a transaction and
	// reports whether it was newly created.
	Upsert(ctx context.Context, u *models.User) (*models.User, bool, error)
	GetByOID(ctx context.Context, oid string) (*models.User, error)
}

const (
	// Row lock serializes concurrent syncs for the same oid; a racing first
	// insert surfaces as a unique violation and rolls back cleanly.
	selectUserForUpdate = `SELECT name, email, COALESCE(preferred_username, ''), COALESCE(tenant_id, ''), first_login, created_at FROM users WHERE oid = $1 FOR UPDATE`

	insertUser = `INSERT INTO users (oid, name, email, preferred_username, tenant_id, roles, claims, first_login, last_login, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	updateUser = `UPDATE users SET roles = $2, claims = $3, last_login = $4, updated_at = $5 WHERE oid = $1`

	updateUserWithIdentity = `UPDATE users SET name = $2, email = $3, preferred_username = $4, tenant_id = $5, roles = $6, claims = $7, last_login = $8, updated_at = $9 WHERE oid = $1`

	selectUser = `SELECT oid, name, email, COALESCE(preferred_username, ''), COALESCE(tenant_id, ''), roles, claims, first_login, last_login, created_at, updated_at FROM users WHERE oid = $1`
)

// PostgresUserRepository implements UserRepository against the users table.
type PostgresUserRepository struct {
	db             DB
	updateIdentity bool
}

// NewPostgresUserRepository creates a repository. updateIdentityFields selects
// whether re-syncs overwrite name/email/preferred_username/tenant_id from the
// token or keep the values fixed at creation.
func NewPostgresUserRepository(db DB, updateIdentityFields bool) *PostgresUserRepository {
	return &PostgresUserRepository{db: db, updateIdentity: updateIdentityFields}
}

// Upsert runs begin → lookup with row lock → insert or partial update →
// commit, rolling back on any failure so a sync is never partially applied.
func (r *PostgresUserRepository) Upsert(ctx context.Context, u *models.User) (*models.User, bool, error) {
	rolesJSON, err := json.Marshal(nonNilRoles(u.Roles))
	if err != nil {
		return nil, false, fmt.Errorf("marshal roles: %w", err)
	}
	claimsJSON, err := json.Marshal(nonNilClaims(u.Claims))
	if err != nil {
		return nil, false, fmt.Errorf("marshal claims: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin sync transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	var (
		name, email, preferredUsername, tenantID string
		firstLogin, createdAt                    time.Time
	)
	err = tx.QueryRow(ctx, selectUserForUpdate, u.OID).
		Scan(&name, &email, &preferredUsername, &tenantID, &firstLogin, &createdAt)

	if errors.Is(err, pgx.ErrNoRows) {
		out := *u
		out.Roles = nonNilRoles(u.Roles)
		out.FirstLogin, out.LastLogin, out.CreatedAt, out.UpdatedAt = now, now, now, now
		_, err = tx.Exec(ctx, insertUser,
			out.OID, out.Name, out.Email, nullable(out.PreferredUsername), nullable(out.TenantID),
			string(rolesJSON), string(claimsJSON), now, now, now, now)
		if err != nil {
			return nil, false, fmt.Errorf("insert user: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit sync transaction: %w", err)
		}
		return &out, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup user: %w", err)
	}

	out := *u
	out.Roles = nonNilRoles(u.Roles)
	out.FirstLogin, out.CreatedAt = firstLogin, createdAt
	out.LastLogin, out.UpdatedAt = now, now
	if r.updateIdentity {
		_, err = tx.Exec(ctx, updateUserWithIdentity,
			out.OID, out.Name, out.Email, nullable(out.PreferredUsername), nullable(out.TenantID),
			string(rolesJSON), string(claimsJSON), now, now)
	} else {
		// do not overwrite identity fields from a possibly-stale token
		out.Name, out.Email, out.PreferredUsername, out.TenantID = name, email, preferredUsername, tenantID
		_, err = tx.Exec(ctx, updateUser, out.OID, string(rolesJSON), string(claimsJSON), now, now)
	}
	if err != nil {
		return nil, false, fmt.Errorf("update user: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit sync transaction: %w", err)
	}
	return &out, false, nil
}

// GetByOID returns the stored record, or (nil, nil) when no user exists.
func (r *PostgresUserRepository) GetByOID(ctx context.Context, oid string) (*models.User, error) {
	var (
		u                      models.User
		rolesJSON, claimsJSON  []byte
	)
	err := r.db.QueryRow(ctx, selectUser, oid).Scan(
		&u.OID, &u.Name, &u.Email, &u.PreferredUsername, &u.TenantID,
		&rolesJSON, &claimsJSON, &u.FirstLogin, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	if err := json.Unmarshal(rolesJSON, &u.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(claimsJSON, &u.Claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return &u, nil
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

func nonNilClaims(claims map[string]interface{}) map[string]interface{} {
	if claims == nil {
		return map[string]interface{}{}
	}
	return claims
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
