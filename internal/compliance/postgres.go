package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore persists violations in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateViolation(ctx context.Context, v *Violation) error {
	_, err := s.db.ExecContext(ctx, `
		insert into compliance_violations (
			id, organization_id, rule, severity, status, summary,
			actor_id, resource_type, audit_record_id, created_at
		) values ($1, $2, $3, $4, $5, $6, nullif($7,''), nullif($8,''), nullif($9,''), $10)
	`, v.ID, v.OrganizationID, v.Rule, v.Severity, v.Status, v.Summary,
		v.ActorID, v.ResourceType, v.AuditRecordID, v.CreatedAt)
	return err
}

const violationColumns = `id, organization_id, rule, severity, status, summary,
	coalesce(actor_id,''), coalesce(resource_type,''), coalesce(audit_record_id,''),
	coalesce(acknowledged_by,''), coalesce(acknowledged_at, 'epoch'::timestamptz),
	coalesce(resolved_by,''), coalesce(resolved_at, 'epoch'::timestamptz),
	coalesce(resolution_note,''), created_at`

func (s *PGStore) GetViolation(ctx context.Context, id string) (Violation, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+violationColumns+` from compliance_violations where id = $1`, id)
	v, err := scanViolation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Violation{}, ErrNotFound
	}
	return v, err
}

func (s *PGStore) ListViolations(ctx context.Context, f Filter) ([]Violation, error) {
	var (
		clauses []string
		args    []any
		idx     = 1
	)
	add := func(clause string, value any) {
		clauses = append(clauses, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.Rule != "" {
		add("rule = $%d", f.Rule)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	where := ""
	if len(clauses) > 0 {
		where = "where " + strings.Join(clauses, " and ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`select %s from compliance_violations %s order by created_at desc limit %d offset %d`,
		violationColumns, where, limit, max(f.Offset, 0))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Violation
	for rows.Next() {
		v, err := scanViolation(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *PGStore) UpdateViolationStatus(ctx context.Context, v Violation) error {
	res, err := s.db.ExecContext(ctx, `
		update compliance_violations set
			status = $2,
			acknowledged_by = nullif($3,''),
			acknowledged_at = $4,
			resolved_by = nullif($5,''),
			resolved_at = $6,
			resolution_note = nullif($7,'')
		where id = $1
	`, v.ID, v.Status, v.AcknowledgedBy, nullTime(v.AcknowledgedAt), v.ResolvedBy, nullTime(v.ResolvedAt), v.ResolutionNote)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) OpenViolationSince(ctx context.Context, organizationID, rule, actorID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from compliance_violations
			where organization_id = $1 and rule = $2
			  and coalesce(actor_id,'') = $3
			  and status = 'open' and created_at >= $4
		)
	`, organizationID, rule, actorID, since).Scan(&exists)
	return exists, err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanViolation(scan func(dest ...any) error) (Violation, error) {
	var v Violation
	err := scan(&v.ID, &v.OrganizationID, &v.Rule, &v.Severity, &v.Status, &v.Summary,
		&v.ActorID, &v.ResourceType, &v.AuditRecordID,
		&v.AcknowledgedBy, &v.AcknowledgedAt,
		&v.ResolvedBy, &v.ResolvedAt,
		&v.ResolutionNote, &v.CreatedAt)
	if err != nil {
		return Violation{}, err
	}
	if v.AcknowledgedAt.Unix() == 0 {
		v.AcknowledgedAt = time.Time{}
	}
	if v.ResolvedAt.Unix() == 0 {
		v.ResolvedAt = time.Time{}
	}
	return v, nil
}
