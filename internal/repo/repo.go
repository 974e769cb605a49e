package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sevtrack/internal/config"
	"sevtrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.ValidationDraft) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(id,name,description,type,division,responsible,created_by,created_at,status) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Description, d.Type, d.Division, d.Responsible, d.CreatedBy, d.CreatedAt, d.Status)
	return err
}

func scanDraft(row *sql.Row) (domain.ValidationDraft, error) {
	var d domain.ValidationDraft
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.Division, &d.Responsible, &d.CreatedBy, &d.CreatedAt, &d.Status)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.ValidationDraft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT id,name,description,type,division,responsible,created_by,created_at,status FROM drafts WHERE id=?`, id))
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.ValidationDraft, error) {
	return scanDraft(tx.QueryRowContext(ctx, `SELECT id,name,description,type,division,responsible,created_by,created_at,status FROM drafts WHERE id=?`, id))
}

func (r Repo) ListDrafts(ctx context.Context) ([]domain.ValidationDraft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,description,type,division,responsible,created_by,created_at,status FROM drafts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationDraft
	for rows.Next() {
		var d domain.ValidationDraft
		if err := rows.Scan(&d.ID, &d.Name, &d.Description, &d.Type, &d.Division, &d.Responsible, &d.CreatedBy, &d.CreatedAt, &d.Status); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDraftStatus sets a draft's status. Callers enforce the monotonic
// RASCUNHO -> CRIADA -> CONFIGURADA -> EXECUTADA ladder.
func (r Repo) UpdateDraftStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE drafts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertDraftSystem(ctx context.Context, tx *sql.Tx, draftID string, s domain.SelectedSystem, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO draft_systems(draft_id,system,environment,position) VALUES (?,?,?,?)`,
		draftID, s.System, s.Environment, position)
	return err
}

func (r Repo) HasDraftSystem(ctx context.Context, tx *sql.Tx, draftID string, s domain.SelectedSystem) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM draft_systems WHERE draft_id=? AND system=? AND environment=? LIMIT 1`,
		draftID, s.System, s.Environment)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListDraftSystems(ctx context.Context, draftID string) ([]domain.SelectedSystem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT system,environment FROM draft_systems WHERE draft_id=? ORDER BY position ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SelectedSystem
	for rows.Next() {
		var s domain.SelectedSystem
		if err := rows.Scan(&s.System, &s.Environment); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ReplaceDraftSystems rewrites the selection set preserving slice order.
func (r Repo) ReplaceDraftSystems(ctx context.Context, tx *sql.Tx, draftID string, systems []domain.SelectedSystem) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_systems WHERE draft_id=?`, draftID); err != nil {
		return err
	}
	for i, s := range systems {
		if err := r.InsertDraftSystem(ctx, tx, draftID, s, i+1); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertField(ctx context.Context, tx *sql.Tx, f domain.ValidationField) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO draft_fields(id,draft_id,name,description,type,required,ord) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.DraftID, f.Name, nullable(f.Description), f.Type, boolToInt(f.Required), f.Order)
	return err
}

func (r Repo) ListFields(ctx context.Context, draftID string) ([]domain.ValidationField, error) {
	return listFields(ctx, r.DB.QueryContext, draftID)
}

func (r Repo) ListFieldsTx(ctx context.Context, tx *sql.Tx, draftID string) ([]domain.ValidationField, error) {
	return listFields(ctx, tx.QueryContext, draftID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listFields(ctx context.Context, query queryFn, draftID string) ([]domain.ValidationField, error) {
	rows, err := query(ctx, `SELECT id,draft_id,name,COALESCE(description,''),type,required,ord FROM draft_fields WHERE draft_id=? ORDER BY ord ASC`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationField
	for rows.Next() {
		var f domain.ValidationField
		var required int
		if err := rows.Scan(&f.ID, &f.DraftID, &f.Name, &f.Description, &f.Type, &required, &f.Order); err != nil {
			return nil, err
		}
		f.Required = required != 0
		res = append(res, f)
	}
	return res, rows.Err()
}

// ReplaceFields rewrites a draft's field list. Callers pass fields already
// renumbered 1..N in display order.
func (r Repo) ReplaceFields(ctx context.Context, tx *sql.Tx, draftID string, fields []domain.ValidationField) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_fields WHERE draft_id=?`, draftID); err != nil {
		return err
	}
	for _, f := range fields {
		if err := r.InsertField(ctx, tx, f); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, workspaceID, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
