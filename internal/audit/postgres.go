package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound mirrors a missing audit record.
var ErrNotFound = errors.New("audit: record not found")

var _ Store = (*PGStore)(nil)

// PGStore persists audit records in PostgreSQL. The audit_records table
// carries a trigger rejecting UPDATE and DELETE, so even a bug in this
// package cannot rewrite history.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	oldJSON, err := marshalValues(rec.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(rec.NewValues)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_records (
			id, organization_id, actor_id, action, resource_type, resource_id,
			old_values, new_values, classification, phi_accessed, consent_verified,
			elevated, success, error_message, ip_address, user_agent, request_id,
			endpoint, method, response_status, duration_ms, created_at, checksum
		) values (
			$1, nullif($2,''), nullif($3,''), $4, $5, nullif($6,''),
			$7, $8, $9, $10, $11,
			$12, $13, nullif($14,''), nullif($15,''), nullif($16,''), nullif($17,''),
			nullif($18,''), nullif($19,''), $20, $21, $22, $23
		)
	`, rec.ID, rec.OrganizationID, rec.ActorID, rec.Action, rec.ResourceType, rec.ResourceID,
		oldJSON, newJSON, rec.Classification, rec.PHIAccessed, rec.ConsentVerified,
		rec.Elevated, rec.Success, rec.ErrorMessage, rec.IPAddress, rec.UserAgent, rec.RequestID,
		rec.Endpoint, rec.Method, rec.ResponseStatus, rec.DurationMS, rec.CreatedAt, rec.Checksum)
	return err
}

const recordColumns = `id, coalesce(organization_id,''), coalesce(actor_id,''), action,
	resource_type, coalesce(resource_id,''), old_values, new_values, classification,
	phi_accessed, consent_verified, elevated, success, coalesce(error_message,''),
	coalesce(ip_address,''), coalesce(user_agent,''), coalesce(request_id,''),
	coalesce(endpoint,''), coalesce(method,''), coalesce(response_status,0),
	coalesce(duration_ms,0), created_at, checksum`

func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+recordColumns+` from audit_records where id = $1`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PGStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	where, args := buildFilter(f)
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := fmt.Sprintf(`select %s from audit_records %s order by created_at desc limit %d offset %d`,
		recordColumns, where, limit, max(f.Offset, 0))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PGStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildFilter(f)
	var count int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from audit_records `+where, args...).Scan(&count)
	return count, err
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		rec              Record
		oldJSON, newJSON []byte
	)
	err := scan(&rec.ID, &rec.OrganizationID, &rec.ActorID, &rec.Action,
		&rec.ResourceType, &rec.ResourceID, &oldJSON, &newJSON, &rec.Classification,
		&rec.PHIAccessed, &rec.ConsentVerified, &rec.Elevated, &rec.Success, &rec.ErrorMessage,
		&rec.IPAddress, &rec.UserAgent, &rec.RequestID,
		&rec.Endpoint, &rec.Method, &rec.ResponseStatus,
		&rec.DurationMS, &rec.CreatedAt, &rec.Checksum)
	if err != nil {
		return Record{}, err
	}
	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &rec.OldValues); err != nil {
			return Record{}, err
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &rec.NewValues); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func marshalValues(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal audit values: %w", err)
	}
	return data, nil
}

func buildFilter(f Filter) (string, []any) {
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
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Classification != "" {
		add("classification = $%d", f.Classification)
	}
	if f.PHIOnly {
		clauses = append(clauses, "phi_accessed = true")
	}
	if f.FailuresOnly {
		clauses = append(clauses, "success = false")
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "where " + strings.Join(clauses, " and "), args
}

// --- settings ---

var _ SettingsStore = (*PGSettingsStore)(nil)

// PGSettingsStore persists per-organization audit policy.
type PGSettingsStore struct {
	db *sql.DB
}

func NewPGSettingsStore(db *sql.DB) *PGSettingsStore {
	return &PGSettingsStore{db: db}
}

func (s *PGSettingsStore) OrganizationSettings(ctx context.Context, organizationID string) (Settings, error) {
	var out Settings
	err := s.db.QueryRowContext(ctx, `
		select organization_id, retention_days, archive_after_days, async_enabled,
		       mask_sensitive_data, log_read_operations, alert_on_phi_access, alert_on_failed_login
		from audit_settings where organization_id = $1
	`, organizationID).Scan(&out.OrganizationID, &out.RetentionDays, &out.ArchiveAfterDays,
		&out.AsyncEnabled, &out.MaskSensitiveData, &out.LogReadOperations,
		&out.AlertOnPHIAccess, &out.AlertOnFailedLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(organizationID), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return out, nil
}

func (s *PGSettingsStore) SaveSettings(ctx context.Context, in Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_settings (
			organization_id, retention_days, archive_after_days, async_enabled,
			mask_sensitive_data, log_read_operations, alert_on_phi_access, alert_on_failed_login, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, now())
		on conflict (organization_id) do update set
			retention_days = excluded.retention_days,
			archive_after_days = excluded.archive_after_days,
			async_enabled = excluded.async_enabled,
			mask_sensitive_data = excluded.mask_sensitive_data,
			log_read_operations = excluded.log_read_operations,
			alert_on_phi_access = excluded.alert_on_phi_access,
			alert_on_failed_login = excluded.alert_on_failed_login,
			updated_at = now()
	`, in.OrganizationID, in.RetentionDays, in.ArchiveAfterDays, in.AsyncEnabled,
		in.MaskSensitiveData, in.LogReadOperations, in.AlertOnPHIAccess, in.AlertOnFailedLogin)
	return err
}
