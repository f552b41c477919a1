// internal/lti/store.go
package lti

import (
	"context"
	"database/sql"
	"errors"
)

/*
Launch-derived entities and their SQL store.

The store exposes find/insert/update per entity instead of a blanket
upsert because the reconciler needs to count what actually changed.
All reconciliation runs inside one transaction (InTx); the unique
constraints in the schema turn concurrent find-or-create races into a
failed transaction instead of duplicate rows.
*/

type LtiContext struct {
	ID              int64
	ContextKey      string
	DeploymentID    int64
	Title           string
	MembershipsURL  string
	LineItemsURL    string
	RootOutcomeKey  string
	LineItemsSynced bool
}

type LtiUser struct {
	ID           int64
	UserKey      string
	DeploymentID int64
	DisplayName  string
	Email        string
	LMSUserID    string
}

type LtiMembership struct {
	ID        int64
	UserID    int64
	ContextID int64
	RoleRank  int
}

// ToolLink is a tool-defined linkable resource offered in deep linking.
type ToolLink struct {
	ID          string
	Title       string
	Description string
	MaxGrade    float64
	Assignment  bool
}

// LtiLink binds a ToolLink into a platform context.
type LtiLink struct {
	ID             int64
	LinkKey        string
	ContextID      int64
	ResourceLinkID string
	Title          string
}

type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	FindContext(ctx context.Context, contextKey string, deploymentID int64) (*LtiContext, error)
	InsertContext(ctx context.Context, c LtiContext) (LtiContext, error)
	UpdateContext(ctx context.Context, c LtiContext) error
	MarkContextSynced(ctx context.Context, contextID int64) error

	FindUser(ctx context.Context, userKey string, deploymentID int64) (*LtiUser, error)
	InsertUser(ctx context.Context, u LtiUser) (LtiUser, error)
	UpdateUser(ctx context.Context, u LtiUser) error

	FindMembership(ctx context.Context, userID, contextID int64) (*LtiMembership, error)
	InsertMembership(ctx context.Context, m LtiMembership) (LtiMembership, error)
	UpdateMembershipRank(ctx context.Context, id int64, rank int) error

	FindLink(ctx context.Context, linkKey string, contextID int64) (*LtiLink, error)
	InsertLink(ctx context.Context, l LtiLink) (LtiLink, error)

	FindToolLink(ctx context.Context, id string) (*ToolLink, error)
	SaveToolLink(ctx context.Context, tl ToolLink) error
}

// ---------------------------- SQL implementation ------------------------------

// dbtx lets the same methods run on the pool or inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type SQLStore struct {
	db *sql.DB
	q  dbtx
}

func NewSQLStore(dbh *sql.DB) *SQLStore {
	return &SQLStore{db: dbh, q: dbh}
}

func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// Already inside a transaction.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin tx", err)
	}
	if err := fn(&SQLStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit tx", err)
	}
	return nil
}

// ------------------------------- contexts -------------------------------------

func (s *SQLStore) FindContext(ctx context.Context, contextKey string, deploymentID int64) (*LtiContext, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT id, context_key, deployment_id, COALESCE(title,''), COALESCE(context_memberships_url,''),
       COALESCE(lineitems_url,''), COALESCE(root_outcome_key,''), lineitems_synced
FROM lti_context WHERE context_key = $1 AND deployment_id = $2`, contextKey, deploymentID)
	var c LtiContext
	var synced int
	err := row.Scan(&c.ID, &c.ContextKey, &c.DeploymentID, &c.Title, &c.MembershipsURL,
		&c.LineItemsURL, &c.RootOutcomeKey, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find context", err)
	}
	c.LineItemsSynced = synced != 0
	return &c, nil
}

func (s *SQLStore) InsertContext(ctx context.Context, c LtiContext) (LtiContext, error) {
	_, err := s.q.ExecContext(ctx, `
INSERT INTO lti_context (context_key, deployment_id, title, context_memberships_url, lineitems_url, root_outcome_key, lineitems_synced)
VALUES ($1, $2, $3, $4, $5, $6, 0)`,
		c.ContextKey, c.DeploymentID, c.Title, c.MembershipsURL, c.LineItemsURL, c.RootOutcomeKey)
	if err != nil {
		return LtiContext{}, persistErr("insert context", err)
	}
	got, err := s.FindContext(ctx, c.ContextKey, c.DeploymentID)
	if err != nil {
		return LtiContext{}, err
	}
	return *got, nil
}

func (s *SQLStore) UpdateContext(ctx context.Context, c LtiContext) error {
	_, err := s.q.ExecContext(ctx, `
UPDATE lti_context SET title = $1, context_memberships_url = $2, lineitems_url = $3 WHERE id = $4`,
		c.Title, c.MembershipsURL, c.LineItemsURL, c.ID)
	if err != nil {
		return persistErr("update context", err)
	}
	return nil
}

func (s *SQLStore) MarkContextSynced(ctx context.Context, contextID int64) error {
	_, err := s.q.ExecContext(ctx, "UPDATE lti_context SET lineitems_synced = 1 WHERE id = $1", contextID)
	if err != nil {
		return persistErr("mark context synced", err)
	}
	return nil
}

// -------------------------------- users ---------------------------------------

func (s *SQLStore) FindUser(ctx context.Context, userKey string, deploymentID int64) (*LtiUser, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT id, user_key, deployment_id, COALESCE(display_name,''), COALESCE(email,''), COALESCE(lms_user_id,'')
FROM lti_user WHERE user_key = $1 AND deployment_id = $2`, userKey, deploymentID)
	var u LtiUser
	err := row.Scan(&u.ID, &u.UserKey, &u.DeploymentID, &u.DisplayName, &u.Email, &u.LMSUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find user", err)
	}
	return &u, nil
}

func (s *SQLStore) InsertUser(ctx context.Context, u LtiUser) (LtiUser, error) {
	_, err := s.q.ExecContext(ctx, `
INSERT INTO lti_user (user_key, deployment_id, display_name, email, lms_user_id)
VALUES ($1, $2, $3, $4, $5)`,
		u.UserKey, u.DeploymentID, u.DisplayName, u.Email, u.LMSUserID)
	if err != nil {
		return LtiUser{}, persistErr("insert user", err)
	}
	got, err := s.FindUser(ctx, u.UserKey, u.DeploymentID)
	if err != nil {
		return LtiUser{}, err
	}
	return *got, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, u LtiUser) error {
	_, err := s.q.ExecContext(ctx, `
UPDATE lti_user SET display_name = $1, email = $2, lms_user_id = $3 WHERE id = $4`,
		u.DisplayName, u.Email, u.LMSUserID, u.ID)
	if err != nil {
		return persistErr("update user", err)
	}
	return nil
}

// ----------------------------- memberships ------------------------------------

func (s *SQLStore) FindMembership(ctx context.Context, userID, contextID int64) (*LtiMembership, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT id, user_id, context_id, role_rank FROM lti_membership WHERE user_id = $1 AND context_id = $2`,
		userID, contextID)
	var m LtiMembership
	err := row.Scan(&m.ID, &m.UserID, &m.ContextID, &m.RoleRank)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find membership", err)
	}
	return &m, nil
}

func (s *SQLStore) InsertMembership(ctx context.Context, m LtiMembership) (LtiMembership, error) {
	_, err := s.q.ExecContext(ctx, `
INSERT INTO lti_membership (user_id, context_id, role_rank) VALUES ($1, $2, $3)`,
		m.UserID, m.ContextID, m.RoleRank)
	if err != nil {
		return LtiMembership{}, persistErr("insert membership", err)
	}
	got, err := s.FindMembership(ctx, m.UserID, m.ContextID)
	if err != nil {
		return LtiMembership{}, err
	}
	return *got, nil
}

func (s *SQLStore) UpdateMembershipRank(ctx context.Context, id int64, rank int) error {
	_, err := s.q.ExecContext(ctx, "UPDATE lti_membership SET role_rank = $1 WHERE id = $2", rank, id)
	if err != nil {
		return persistErr("update membership", err)
	}
	return nil
}

// -------------------------------- links ---------------------------------------

func (s *SQLStore) FindLink(ctx context.Context, linkKey string, contextID int64) (*LtiLink, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT id, link_key, context_id, COALESCE(resource_link_id,''), COALESCE(title,'')
FROM lti_link WHERE link_key = $1 AND context_id = $2`, linkKey, contextID)
	var l LtiLink
	err := row.Scan(&l.ID, &l.LinkKey, &l.ContextID, &l.ResourceLinkID, &l.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find link", err)
	}
	return &l, nil
}

func (s *SQLStore) InsertLink(ctx context.Context, l LtiLink) (LtiLink, error) {
	_, err := s.q.ExecContext(ctx, `
INSERT INTO lti_link (link_key, context_id, resource_link_id, title) VALUES ($1, $2, $3, $4)`,
		l.LinkKey, l.ContextID, l.ResourceLinkID, l.Title)
	if err != nil {
		return LtiLink{}, persistErr("insert link", err)
	}
	got, err := s.FindLink(ctx, l.LinkKey, l.ContextID)
	if err != nil {
		return LtiLink{}, err
	}
	return *got, nil
}

// ------------------------------ tool links ------------------------------------

func (s *SQLStore) FindToolLink(ctx context.Context, id string) (*ToolLink, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT id, title, COALESCE(description,''), COALESCE(max_grade,0), assignment
FROM tool_link WHERE id = $1`, id)
	var tl ToolLink
	var assignment int
	err := row.Scan(&tl.ID, &tl.Title, &tl.Description, &tl.MaxGrade, &assignment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("find tool link", err)
	}
	tl.Assignment = assignment != 0
	return &tl, nil
}

func (s *SQLStore) SaveToolLink(ctx context.Context, tl ToolLink) error {
	assignment := 0
	if tl.Assignment {
		assignment = 1
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO tool_link (id, title, description, max_grade, assignment)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET title = excluded.title, description = excluded.description,
  max_grade = excluded.max_grade, assignment = excluded.assignment`,
		tl.ID, tl.Title, tl.Description, tl.MaxGrade, assignment)
	if err != nil {
		return persistErr("save tool link", err)
	}
	return nil
}
