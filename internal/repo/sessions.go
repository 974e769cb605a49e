package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"sevtrack/internal/domain"
)

func (r Repo) InsertPending(ctx context.Context, tx *sql.Tx, p domain.PendingValidation) error {
	systems, err := json.Marshal(p.Systems)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO pending_validations(id,draft_id,access_key,systems_json,fields_json,created_by,created_at,status) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.DraftID, p.AccessKey, string(systems), string(fields), p.CreatedBy, p.CreatedAt, p.Status)
	return err
}

// GetPendingByKey looks up a pending record by access key. Shape mismatches
// in the stored JSON fail loudly rather than yielding a partial record.
func (r Repo) GetPendingByKey(ctx context.Context, key string) (domain.PendingValidation, error) {
	var p domain.PendingValidation
	var systemsJSON, fieldsJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT id,draft_id,access_key,systems_json,fields_json,created_by,created_at,status FROM pending_validations WHERE access_key=?`, key).
		Scan(&p.ID, &p.DraftID, &p.AccessKey, &systemsJSON, &fieldsJSON, &p.CreatedBy, &p.CreatedAt, &p.Status)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(systemsJSON), &p.Systems); err != nil {
		return domain.PendingValidation{}, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &p.Fields); err != nil {
		return domain.PendingValidation{}, err
	}
	return p, nil
}

func (r Repo) ListPending(ctx context.Context) ([]domain.PendingValidation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,draft_id,access_key,systems_json,fields_json,created_by,created_at,status FROM pending_validations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingValidation
	for rows.Next() {
		var p domain.PendingValidation
		var systemsJSON, fieldsJSON string
		if err := rows.Scan(&p.ID, &p.DraftID, &p.AccessKey, &systemsJSON, &fieldsJSON, &p.CreatedBy, &p.CreatedAt, &p.Status); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(systemsJSON), &p.Systems); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &p.Fields); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.ValidationSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,user,department,division,system,environment,gmud_number,access_key,start_time,end_time,status,structure_version,tester_name,signature,validation_name,validation_type,responsible,validation_status)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.User, s.Department, s.Division, s.System, s.Environment,
		nullableStringPtr(s.GMUDNumber), nullableStringPtr(s.AccessKey), s.StartTime, nullableStringPtr(s.EndTime),
		s.Status, s.StructureVersion, nullableStringPtr(s.TesterName), nullableStringPtr(s.Signature),
		nullableStringPtr(s.ValidationName), nullableStringPtr(s.ValidationType), nullableStringPtr(s.Responsible), nullableStringPtr(s.ValidationStatus))
	if err != nil {
		return err
	}
	for _, it := range s.Items {
		if err := r.InsertItem(ctx, tx, it); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, s domain.ValidationSession) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET end_time=?, status=?, tester_name=?, signature=?, validation_status=? WHERE id=?`,
		nullableStringPtr(s.EndTime), s.Status, nullableStringPtr(s.TesterName), nullableStringPtr(s.Signature), nullableStringPtr(s.ValidationStatus), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.ValidationItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO session_items(id,session_id,item,status,evidence,evidence_preview,comment,ord) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.SessionID, it.Item, it.Status, it.Evidence, nullableStringPtr(it.EvidencePreview), it.Comment, it.Order)
	return err
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.ValidationItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE session_items SET status=?, evidence=?, evidence_preview=?, comment=? WHERE id=? AND session_id=?`,
		it.Status, it.Evidence, nullableStringPtr(it.EvidencePreview), it.Comment, it.ID, it.SessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.ValidationSession, error) {
	var s domain.ValidationSession
	var gmud, accessKey, endTime, testerName, signature, vName, vType, responsible, vStatus sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,user,department,division,system,environment,gmud_number,access_key,start_time,end_time,status,structure_version,tester_name,signature,validation_name,validation_type,responsible,validation_status FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.User, &s.Department, &s.Division, &s.System, &s.Environment, &gmud, &accessKey, &s.StartTime, &endTime,
			&s.Status, &s.StructureVersion, &testerName, &signature, &vName, &vType, &responsible, &vStatus)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.GMUDNumber = optional(gmud)
	s.AccessKey = optional(accessKey)
	s.EndTime = optional(endTime)
	s.TesterName = optional(testerName)
	s.Signature = optional(signature)
	s.ValidationName = optional(vName)
	s.ValidationType = optional(vType)
	s.Responsible = optional(responsible)
	s.ValidationStatus = optional(vStatus)
	items, err := r.ListItems(ctx, s.ID)
	if err != nil {
		return s, err
	}
	s.Items = items
	return s, nil
}

func (r Repo) ListItems(ctx context.Context, sessionID string) ([]domain.ValidationItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,item,status,evidence,evidence_preview,comment,ord FROM session_items WHERE session_id=? ORDER BY ord ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationItem
	for rows.Next() {
		var it domain.ValidationItem
		var preview sql.NullString
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Item, &it.Status, &it.Evidence, &preview, &it.Comment, &it.Order); err != nil {
			return nil, err
		}
		it.EvidencePreview = optional(preview)
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) GetItem(ctx context.Context, sessionID, itemID string) (domain.ValidationItem, error) {
	var it domain.ValidationItem
	var preview sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,item,status,evidence,evidence_preview,comment,ord FROM session_items WHERE session_id=? AND id=?`, sessionID, itemID).
		Scan(&it.ID, &it.SessionID, &it.Item, &it.Status, &it.Evidence, &preview, &it.Comment, &it.Order)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.EvidencePreview = optional(preview)
	return it, nil
}

// AppendHistory stores the finalized, evidence-stripped session snapshot.
// A session reopened inside the edit window finalizes again, so the row
// is upserted: history holds the latest finalization per session.
func (r Repo) AppendHistory(ctx context.Context, tx *sql.Tx, s domain.ValidationSession, finalizedAt string) error {
	sanitized := s
	sanitized.Items = make([]domain.ValidationItem, len(s.Items))
	for i, it := range s.Items {
		it.Evidence = nil
		sanitized.Items[i] = it
	}
	payload, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO history(session_id,payload_json,finalized_at) VALUES (?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET payload_json=excluded.payload_json, finalized_at=excluded.finalized_at`,
		s.ID, string(payload), finalizedAt)
	return err
}

func (r Repo) ListHistory(ctx context.Context) ([]domain.ValidationSession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM history ORDER BY finalized_at ASC, session_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationSession
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var s domain.ValidationSession
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetHistory(ctx context.Context, sessionID string) (domain.ValidationSession, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT payload_json FROM history WHERE session_id=?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.ValidationSession{}, ErrNotFound
	}
	if err != nil {
		return domain.ValidationSession{}, err
	}
	var s domain.ValidationSession
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return domain.ValidationSession{}, err
	}
	return s, nil
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
