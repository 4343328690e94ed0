package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/trailproof/core/pkg/contracts"
)

// ErrDuplicateSequence reports a lost race on approval sequence assignment:
// another writer appended a record with the same (org, artifact, sequence)
// first. Callers re-read the sequence and retry.
var ErrDuplicateSequence = errors.New("approval sequence already taken")

// SQLStore implements all pipeline stores using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS evidence_artifacts (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	sync_job_id TEXT,
	source_system TEXT NOT NULL,
	source_object_id TEXT NOT NULL,
	source_url TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	title TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	captured_at TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	raw_payload TEXT,
	superseded INTEGER NOT NULL DEFAULT 0,
	UNIQUE (org_id, source_system, source_object_id)
);

CREATE TABLE IF NOT EXISTS control_mappings (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	control_id TEXT NOT NULL,
	source TEXT NOT NULL,
	confidence REAL NOT NULL,
	rationale TEXT,
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	superseded INTEGER NOT NULL DEFAULT 0,
	needs_review INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS approval_records (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	decision TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	decided_at TEXT NOT NULL,
	notes TEXT,
	bound_content_hash TEXT NOT NULL,
	signature_hash TEXT NOT NULL,
	UNIQUE (org_id, artifact_id, sequence)
);

CREATE TABLE IF NOT EXISTS controls (
	id TEXT PRIMARY KEY,
	framework TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	granularity TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS packets (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	control_ids TEXT NOT NULL,
	status TEXT NOT NULL,
	manifest_hash TEXT NOT NULL,
	manifest TEXT,
	created_at TEXT NOT NULL,
	exported_at TEXT,
	export_ref TEXT
);

CREATE TABLE IF NOT EXISTS packet_items (
	id TEXT PRIMARY KEY,
	packet_id TEXT NOT NULL,
	artifact_id TEXT NOT NULL,
	control_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	item_order INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_jobs (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	source_system TEXT NOT NULL,
	state TEXT NOT NULL,
	cursor TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	submitted_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	records_seen INTEGER NOT NULL DEFAULT 0
);
`

// Init creates the schema. Idempotent.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- artifacts ---

const artifactColumns = `id, org_id, sync_job_id, source_system, source_object_id, source_url, artifact_type, title, content_hash, captured_at, period_start, period_end, raw_payload, superseded`

func (s *SQLStore) Insert(ctx context.Context, a *contracts.EvidenceArtifact) error {
	payload, err := json.Marshal(a.RawPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal raw payload: %w", err)
	}
	query := `
		INSERT INTO evidence_artifacts (` + artifactColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.OrgID, a.SyncJobID, a.SourceSystem, a.SourceObjectID, a.SourceURL,
		a.ArtifactType, a.Title, a.ContentHash,
		formatTime(a.CapturedAt), formatTime(a.PeriodStart), formatTime(a.PeriodEnd),
		string(payload), boolInt(a.Superseded),
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, a *contracts.EvidenceArtifact) error {
	payload, err := json.Marshal(a.RawPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal raw payload: %w", err)
	}
	query := `
		UPDATE evidence_artifacts
		SET source_url = $1, artifact_type = $2, title = $3, content_hash = $4,
		    captured_at = $5, period_start = $6, period_end = $7, raw_payload = $8, superseded = $9
		WHERE org_id = $10 AND id = $11
	`
	res, err := s.db.ExecContext(ctx, query,
		a.SourceURL, a.ArtifactType, a.Title, a.ContentHash,
		formatTime(a.CapturedAt), formatTime(a.PeriodStart), formatTime(a.PeriodEnd),
		string(payload), boolInt(a.Superseded), a.OrgID, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update artifact: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, orgID, id string) (*contracts.EvidenceArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM evidence_artifacts WHERE org_id = $1 AND id = $2`
	return scanArtifact(s.db.QueryRowContext(ctx, query, orgID, id))
}

func (s *SQLStore) GetBySource(ctx context.Context, orgID string, system contracts.SourceSystem, objectID string) (*contracts.EvidenceArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM evidence_artifacts WHERE org_id = $1 AND source_system = $2 AND source_object_id = $3`
	return scanArtifact(s.db.QueryRowContext(ctx, query, orgID, system, objectID))
}

func (s *SQLStore) ListForControl(ctx context.Context, orgID, controlID string, start, end time.Time) ([]*contracts.EvidenceArtifact, error) {
	query := `
		SELECT DISTINCT a.id, a.org_id, a.sync_job_id, a.source_system, a.source_object_id, a.source_url,
		       a.artifact_type, a.title, a.content_hash, a.captured_at, a.period_start, a.period_end,
		       a.raw_payload, a.superseded
		FROM evidence_artifacts a
		JOIN control_mappings m ON m.artifact_id = a.id AND m.org_id = a.org_id
		WHERE a.org_id = $1 AND m.control_id = $2
		  AND m.superseded = 0 AND a.superseded = 0
		  AND a.period_end >= $3 AND a.period_start <= $4
		ORDER BY a.period_start ASC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, controlID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for control: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.EvidenceArtifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// --- mappings ---

func (s *SQLStore) InsertMapping(ctx context.Context, m *contracts.ControlMapping) error {
	query := `
		INSERT INTO control_mappings (id, org_id, artifact_id, control_id, source, confidence, rationale, created_by, created_at, superseded, needs_review)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.OrgID, m.ArtifactID, m.ControlID, m.Source, m.Confidence,
		m.Rationale, m.CreatedBy, formatTime(m.CreatedAt), boolInt(m.Superseded), boolInt(m.NeedsReview),
	)
	if err != nil {
		return fmt.Errorf("failed to insert mapping: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMappingsByArtifact(ctx context.Context, orgID, artifactID string) ([]*contracts.ControlMapping, error) {
	query := `
		SELECT id, org_id, artifact_id, control_id, source, confidence, rationale, created_by, created_at, superseded, needs_review
		FROM control_mappings
		WHERE org_id = $1 AND artifact_id = $2
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.ControlMapping, 0)
	for rows.Next() {
		var (
			m         contracts.ControlMapping
			createdAt string
			rationale sql.NullString
			sup, rev  int
		)
		if err := rows.Scan(&m.ID, &m.OrgID, &m.ArtifactID, &m.ControlID, &m.Source, &m.Confidence, &rationale, &m.CreatedBy, &createdAt, &sup, &rev); err != nil {
			return nil, err
		}
		m.Rationale = rationale.String
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("mapping %s: %w", m.ID, err)
		}
		m.Superseded = sup != 0
		m.NeedsReview = rev != 0
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) MarkNeedsReview(ctx context.Context, orgID, artifactID string) error {
	query := `UPDATE control_mappings SET needs_review = 1 WHERE org_id = $1 AND artifact_id = $2 AND superseded = 0`
	_, err := s.db.ExecContext(ctx, query, orgID, artifactID)
	return err
}

func (s *SQLStore) SupersedeMapping(ctx context.Context, orgID, mappingID string) error {
	query := `UPDATE control_mappings SET superseded = 1 WHERE org_id = $1 AND id = $2`
	_, err := s.db.ExecContext(ctx, query, orgID, mappingID)
	return err
}

// --- approvals (insert-only) ---

func (s *SQLStore) AppendApproval(ctx context.Context, r *contracts.ApprovalRecord) error {
	query := `
		INSERT INTO approval_records (id, org_id, artifact_id, sequence, decision, actor_id, decided_at, notes, bound_content_hash, signature_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.OrgID, r.ArtifactID, r.Sequence, r.Decision, r.ActorID,
		formatTime(r.DecidedAt), r.Notes, r.BoundContentHash, r.SignatureHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sequence %d for artifact %s: %w", r.Sequence, r.ArtifactID, ErrDuplicateSequence)
		}
		return fmt.Errorf("failed to append approval record: %w", err)
	}
	return nil
}

func (s *SQLStore) ListApprovalsByArtifact(ctx context.Context, orgID, artifactID string) ([]*contracts.ApprovalRecord, error) {
	query := `
		SELECT id, org_id, artifact_id, sequence, decision, actor_id, decided_at, notes, bound_content_hash, signature_hash
		FROM approval_records
		WHERE org_id = $1 AND artifact_id = $2
		ORDER BY sequence DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, orgID, artifactID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.ApprovalRecord, 0)
	for rows.Next() {
		var (
			r         contracts.ApprovalRecord
			decidedAt string
			notes     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.ArtifactID, &r.Sequence, &r.Decision, &r.ActorID, &decidedAt, &notes, &r.BoundContentHash, &r.SignatureHash); err != nil {
			return nil, err
		}
		if r.DecidedAt, err = parseTime(decidedAt); err != nil {
			return nil, fmt.Errorf("approval record %s: %w", r.ID, err)
		}
		r.Notes = notes.String
		result = append(result, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) NextSequence(ctx context.Context, orgID, artifactID string) (uint64, error) {
	query := `SELECT COALESCE(MAX(sequence), 0) FROM approval_records WHERE org_id = $1 AND artifact_id = $2`
	var current uint64
	if err := s.db.QueryRowContext(ctx, query, orgID, artifactID).Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to read approval sequence: %w", err)
	}
	return current + 1, nil
}

// --- controls ---

func (s *SQLStore) PutControl(ctx context.Context, c *contracts.Control) error {
	query := `
		INSERT INTO controls (id, framework, name, description, granularity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET framework = $2, name = $3, description = $4, granularity = $5
	`
	_, err := s.db.ExecContext(ctx, query, c.ID, c.Framework, c.Name, c.Description, c.Granularity)
	return err
}

func (s *SQLStore) GetControl(ctx context.Context, id string) (*contracts.Control, error) {
	query := `SELECT id, framework, name, description, granularity FROM controls WHERE id = $1`
	var (
		c    contracts.Control
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Framework, &c.Name, &desc, &c.Granularity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	c.Description = desc.String
	return &c, nil
}

func (s *SQLStore) ListControls(ctx context.Context) ([]*contracts.Control, error) {
	query := `SELECT id, framework, name, description, granularity FROM controls ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list controls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.Control, 0)
	for rows.Next() {
		var (
			c    contracts.Control
			desc sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Framework, &c.Name, &desc, &c.Granularity); err != nil {
			return nil, err
		}
		c.Description = desc.String
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// --- packets ---

func (s *SQLStore) InsertPacket(ctx context.Context, p *contracts.Packet, items []*contracts.PacketItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin packet tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	controlIDs, err := json.Marshal(p.ControlIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal control ids: %w", err)
	}

	query := `
		INSERT INTO packets (id, org_id, period_start, period_end, control_ids, status, manifest_hash, manifest, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.ExecContext(ctx, query,
		p.ID, p.OrgID, formatTime(p.PeriodStart), formatTime(p.PeriodEnd),
		string(controlIDs), p.Status, p.ManifestHash, string(p.Manifest), formatTime(p.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to insert packet: %w", err)
	}

	itemQuery := `
		INSERT INTO packet_items (id, packet_id, artifact_id, control_id, content_hash, item_order)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, itemQuery,
			item.ID, item.PacketID, item.ArtifactID, item.ControlID, item.ContentHash, item.Order,
		); err != nil {
			return fmt.Errorf("failed to insert packet item: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) GetPacket(ctx context.Context, orgID, id string) (*contracts.Packet, error) {
	query := `
		SELECT id, org_id, period_start, period_end, control_ids, status, manifest_hash, manifest, created_at, exported_at, export_ref
		FROM packets WHERE org_id = $1 AND id = $2
	`
	var (
		p                               contracts.Packet
		periodStart, periodEnd, created string
		controlIDs                      string
		manifest                        sql.NullString
		exportedAt, exportRef           sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, orgID, id).Scan(
		&p.ID, &p.OrgID, &periodStart, &periodEnd, &controlIDs, &p.Status, &p.ManifestHash, &manifest, &created, &exportedAt, &exportRef,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	if p.PeriodStart, err = parseTime(periodStart); err != nil {
		return nil, fmt.Errorf("packet %s: %w", id, err)
	}
	if p.PeriodEnd, err = parseTime(periodEnd); err != nil {
		return nil, fmt.Errorf("packet %s: %w", id, err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("packet %s: %w", id, err)
	}
	if manifest.Valid && manifest.String != "" {
		p.Manifest = json.RawMessage(manifest.String)
	}
	if exportedAt.Valid {
		if p.ExportedAt, err = parseTime(exportedAt.String); err != nil {
			return nil, fmt.Errorf("packet %s: %w", id, err)
		}
	}
	p.ExportRef = exportRef.String
	if err := json.Unmarshal([]byte(controlIDs), &p.ControlIDs); err != nil {
		return nil, fmt.Errorf("corrupt control id list in packet %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLStore) PacketItems(ctx context.Context, packetID string) ([]*contracts.PacketItem, error) {
	query := `
		SELECT id, packet_id, artifact_id, control_id, content_hash, item_order
		FROM packet_items WHERE packet_id = $1 ORDER BY item_order ASC
	`
	rows, err := s.db.QueryContext(ctx, query, packetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list packet items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*contracts.PacketItem, 0)
	for rows.Next() {
		var item contracts.PacketItem
		if err := rows.Scan(&item.ID, &item.PacketID, &item.ArtifactID, &item.ControlID, &item.ContentHash, &item.Order); err != nil {
			return nil, err
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLStore) MarkExported(ctx context.Context, orgID, id, exportRef string, at time.Time) error {
	query := `UPDATE packets SET status = $1, exported_at = $2, export_ref = $3 WHERE org_id = $4 AND id = $5`
	res, err := s.db.ExecContext(ctx, query, contracts.PacketExported, formatTime(at), exportRef, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to mark packet exported: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// --- sync jobs ---

func (s *SQLStore) InsertSyncJob(ctx context.Context, j *contracts.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (id, org_id, source_system, state, cursor, attempts, error, submitted_at, updated_at, records_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.OrgID, j.SourceSystem, j.State, j.Cursor, j.Attempts, j.Error,
		formatTime(j.SubmittedAt), formatTime(j.UpdatedAt), j.RecordsSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync job: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateSyncJob(ctx context.Context, j *contracts.SyncJob) error {
	query := `
		UPDATE sync_jobs SET state = $1, cursor = $2, attempts = $3, error = $4, updated_at = $5, records_seen = $6
		WHERE org_id = $7 AND id = $8
	`
	_, err := s.db.ExecContext(ctx, query,
		j.State, j.Cursor, j.Attempts, j.Error, formatTime(j.UpdatedAt), j.RecordsSeen, j.OrgID, j.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSyncJob(ctx context.Context, orgID, id string) (*contracts.SyncJob, error) {
	query := `
		SELECT id, org_id, source_system, state, cursor, attempts, error, submitted_at, updated_at, records_seen
		FROM sync_jobs WHERE org_id = $1 AND id = $2
	`
	var (
		j                     contracts.SyncJob
		cursor, jobErr        sql.NullString
		submittedAt, updateAt string
	)
	err := s.db.QueryRowContext(ctx, query, orgID, id).Scan(
		&j.ID, &j.OrgID, &j.SourceSystem, &j.State, &cursor, &j.Attempts, &jobErr, &submittedAt, &updateAt, &j.RecordsSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	j.Cursor = cursor.String
	j.Error = jobErr.String
	if j.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, fmt.Errorf("sync job %s: %w", id, err)
	}
	if j.UpdatedAt, err = parseTime(updateAt); err != nil {
		return nil, fmt.Errorf("sync job %s: %w", id, err)
	}
	return &j, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*contracts.EvidenceArtifact, error) {
	var (
		a                               contracts.EvidenceArtifact
		syncJobID, payload              sql.NullString
		capturedAt, periodStart, endStr string
		superseded                      int
	)
	err := row.Scan(
		&a.ID, &a.OrgID, &syncJobID, &a.SourceSystem, &a.SourceObjectID, &a.SourceURL,
		&a.ArtifactType, &a.Title, &a.ContentHash, &capturedAt, &periodStart, &endStr,
		&payload, &superseded,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	a.SyncJobID = syncJobID.String
	if a.CapturedAt, err = parseTime(capturedAt); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	if a.PeriodStart, err = parseTime(periodStart); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	if a.PeriodEnd, err = parseTime(endStr); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
	}
	a.Superseded = superseded != 0
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &a.RawPayload); err != nil {
			return nil, fmt.Errorf("corrupt raw payload for artifact %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// timeLayout pads fractional seconds to nine digits so the stored TEXT
// values compare lexicographically in chronological order. RFC3339Nano trims
// trailing zeros, which makes "...59.5Z" sort before "...59Z" and breaks the
// period range predicates.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// isUniqueViolation matches the unique-constraint errors of both supported
// drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
