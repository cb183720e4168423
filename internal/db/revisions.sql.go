package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ListActiveRevisions returns a connection's ACTIVE revisions ordered by slot ascending.
func (q *Queries) ListActiveRevisions(ctx context.Context, connectionID uuid.UUID) ([]ConnectionRevision, error) {
	const query = `
		SELECT id, connection_id, slot, status, camouflage_sni_id, effective_config, created_at, updated_at
		FROM connection_revisions
		WHERE connection_id = $1 AND status = 'ACTIVE'
		ORDER BY slot ASC`

	rows, err := q.db.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("listing active revisions for connection %s: %w", connectionID, err)
	}
	defer rows.Close()

	var out []ConnectionRevision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRevision loads a revision by id.
func (q *Queries) GetRevision(ctx context.Context, id uuid.UUID) (ConnectionRevision, error) {
	const query = `
		SELECT id, connection_id, slot, status, camouflage_sni_id, effective_config, created_at, updated_at
		FROM connection_revisions WHERE id = $1`

	return scanRevision(q.db.QueryRow(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (ConnectionRevision, error) {
	var r ConnectionRevision
	var cfg []byte
	err := row.Scan(&r.ID, &r.ConnectionID, &r.Slot, &r.Status, &r.CamouflageSNIID, &cfg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return ConnectionRevision{}, fmt.Errorf("scanning revision: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &r.EffectiveConfig); err != nil {
			return ConnectionRevision{}, fmt.Errorf("decoding effective_config: %w", err)
		}
	}
	return r, nil
}

// CreateRevisionParams are the fields needed to insert a new revision.
type CreateRevisionParams struct {
	ConnectionID    uuid.UUID
	Slot            int
	Status          RevisionStatus
	CamouflageSNIID *uuid.UUID
	EffectiveConfig map[string]any
}

// CreateRevision inserts a new revision at the given slot.
func (q *Queries) CreateRevision(ctx context.Context, p CreateRevisionParams) (ConnectionRevision, error) {
	const query = `
		INSERT INTO connection_revisions (id, connection_id, slot, status, camouflage_sni_id, effective_config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, connection_id, slot, status, camouflage_sni_id, effective_config, created_at, updated_at`

	cfg, err := json.Marshal(p.EffectiveConfig)
	if err != nil {
		return ConnectionRevision{}, fmt.Errorf("encoding effective_config: %w", err)
	}

	return scanRevision(q.db.QueryRow(ctx, query, uuid.New(), p.ConnectionID, p.Slot, p.Status, p.CamouflageSNIID, cfg))
}

// UpdateRevisionSlot moves a revision to a new slot.
func (q *Queries) UpdateRevisionSlot(ctx context.Context, id uuid.UUID, slot int) error {
	const query = `UPDATE connection_revisions SET slot = $2, updated_at = now() WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id, slot)
	if err != nil {
		return fmt.Errorf("updating revision %s slot: %w", id, err)
	}
	return nil
}

// UpdateRevisionStatus transitions a revision's status, optionally clamping its slot.
func (q *Queries) UpdateRevisionStatus(ctx context.Context, id uuid.UUID, status RevisionStatus, slot int) error {
	const query = `UPDATE connection_revisions SET status = $2, slot = $3, updated_at = now() WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id, status, slot)
	if err != nil {
		return fmt.Errorf("updating revision %s status: %w", id, err)
	}
	return nil
}

// ListEnabledSNI returns all enabled camouflage SNI catalog entries.
func (q *Queries) ListEnabledSNI(ctx context.Context) ([]CamouflageSNI, error) {
	const query = `SELECT id, fqdn, enabled, created_at FROM camouflage_sni WHERE enabled = true ORDER BY created_at ASC`

	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing enabled SNI entries: %w", err)
	}
	defer rows.Close()

	var out []CamouflageSNI
	for rows.Next() {
		var s CamouflageSNI
		if err := rows.Scan(&s.ID, &s.FQDN, &s.Enabled, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning SNI entry: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EnsureSNI inserts a camouflage SNI catalog entry if it doesn't already
// exist, enabled by default. Used to seed the always-enabled hostnames
// named by configuration at startup.
func (q *Queries) EnsureSNI(ctx context.Context, fqdn string) error {
	const query = `INSERT INTO camouflage_sni (fqdn, enabled) VALUES ($1, true) ON CONFLICT (fqdn) DO NOTHING`
	_, err := q.db.Exec(ctx, query, fqdn)
	if err != nil {
		return fmt.Errorf("ensuring SNI entry %q: %w", fqdn, err)
	}
	return nil
}

// GetSNI loads a camouflage SNI catalog entry by id.
func (q *Queries) GetSNI(ctx context.Context, id uuid.UUID) (CamouflageSNI, error) {
	const query = `SELECT id, fqdn, enabled, created_at FROM camouflage_sni WHERE id = $1`

	var s CamouflageSNI
	err := q.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.FQDN, &s.Enabled, &s.CreatedAt)
	if err != nil {
		return CamouflageSNI{}, fmt.Errorf("getting SNI entry %s: %w", id, err)
	}
	return s, nil
}
