package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sevtrack/internal/audit"
	"sevtrack/internal/config"
	"sevtrack/internal/domain"
	"sevtrack/internal/repo"
)

// StructureVersion identifies the canonical checklist structure used by
// legacy sessions.
const StructureVersion = "2.1.0"

// legacyItems is the fixed checklist used by the key-less entry path.
var legacyItems = []string{
	"Verificar autenticação de usuários",
	"Validar fluxo de criação de registros",
	"Testar edição de dados existentes",
	"Confirmar exclusão de registros",
	"Validar permissões de acesso",
	"Testar integração com APIs externas",
	"Verificar responsividade da interface",
	"Validar mensagens de erro",
	"Testar funcionalidade de busca",
	"Confirmar geração de relatórios",
	"Validar exportação de dados",
	"Testar performance com carga",
}

// defaultFields seed every new draft; the editor can change them freely.
var defaultFields = []struct {
	Name        string
	Description string
}{
	{"Verificar login no sistema", "Validar se o login está funcionando corretamente"},
	{"Testar criação de novo registro", "Criar um novo registro e validar se foi salvo"},
	{"Validar edição de dados", "Editar um registro existente e confirmar as mudanças"},
	{"Confirmar exclusão de registros", "Deletar um registro e verificar se foi removido"},
}

// Engine drives the validation lifecycle. Sessions assume a single acting
// user; concurrent mutation of the same session id is last-writer-wins and
// out of scope. Shared appends (audit, pending, history) are atomic because
// every write path runs inside one SQL transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Store
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Store{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DraftOptions are the inputs to CreateDraft.
type DraftOptions struct {
	Name        string
	Description string
	Type        string
	Division    string
	Responsible string
}

// CreateDraft validates every field before reporting, creates the draft in
// RASCUNHO and seeds the default checklist fields.
func (e Engine) CreateDraft(ctx context.Context, opts DraftOptions, actor domain.Identity) (domain.ValidationDraft, error) {
	if e.Config == nil {
		return domain.ValidationDraft{}, errors.New("config not loaded")
	}
	problems := map[string]string{}
	if strings.TrimSpace(opts.Name) == "" {
		problems["name"] = "name is required"
	}
	if strings.TrimSpace(opts.Description) == "" {
		problems["description"] = "description is required"
	}
	switch {
	case strings.TrimSpace(opts.Type) == "":
		problems["type"] = "type is required"
	case !e.Config.HasValidationType(opts.Type):
		problems["type"] = fmt.Sprintf("type %s is not in the catalog", opts.Type)
	}
	switch {
	case strings.TrimSpace(opts.Division) == "":
		problems["division"] = "division is required"
	case !e.Config.HasDivision(opts.Division):
		problems["division"] = fmt.Sprintf("division %s is not in the catalog", opts.Division)
	}
	if strings.TrimSpace(opts.Responsible) == "" {
		problems["responsible"] = "responsible is required"
	}
	if len(problems) > 0 {
		return domain.ValidationDraft{}, &ValidationError{Fields: problems}
	}

	d := domain.ValidationDraft{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(opts.Name),
		Description: strings.TrimSpace(opts.Description),
		Type:        opts.Type,
		Division:    opts.Division,
		Responsible: strings.TrimSpace(opts.Responsible),
		CreatedBy:   actor.Name,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
		Status:      domain.DraftStatusRascunho,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationDraft{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return domain.ValidationDraft{}, fmt.Errorf("insert draft: %w", err)
	}
	for i, f := range defaultFields {
		field := domain.ValidationField{
			ID:          uuid.New().String(),
			DraftID:     d.ID,
			Name:        f.Name,
			Description: f.Description,
			Type:        "checkbox",
			Required:    true,
			Order:       i + 1,
		}
		if err := e.Repo.InsertField(ctx, tx, field); err != nil {
			return domain.ValidationDraft{}, fmt.Errorf("seed field: %w", err)
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionValidationStarted,
		ValidationID: d.ID,
		Details:      fmt.Sprintf("Validação criada: %s, Tipo: %s, Status: %s", d.Name, d.Type, d.Status),
	}); err != nil {
		return domain.ValidationDraft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationDraft{}, err
	}
	return d, nil
}

// AddSystem attaches one (system, environment) pair to a draft. The exact
// pair may appear only once per draft.
func (e Engine) AddSystem(ctx context.Context, draftID, system, environment string, actor domain.Identity) error {
	problems := map[string]string{}
	if strings.TrimSpace(system) == "" {
		problems["system"] = "system is required"
	}
	if strings.TrimSpace(environment) == "" {
		problems["environment"] = "environment is required"
	}
	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	if _, err := e.Repo.GetDraft(ctx, draftID); err != nil {
		return err
	}
	pair := domain.SelectedSystem{System: system, Environment: environment}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := e.Repo.HasDraftSystem(ctx, tx, draftID, pair)
	if err != nil {
		return err
	}
	if exists {
		return DuplicatePairError{System: system, Environment: environment}
	}
	existing, err := e.Repo.ListDraftSystems(ctx, draftID)
	if err != nil {
		return err
	}
	if err := e.Repo.InsertDraftSystem(ctx, tx, draftID, pair, len(existing)+1); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionEnvironmentChosen,
		System:       system,
		Environment:  environment,
		ValidationID: draftID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveSystem removes the pair at the given zero-based position.
func (e Engine) RemoveSystem(ctx context.Context, draftID string, index int, actor domain.Identity) error {
	systems, err := e.Repo.ListDraftSystems(ctx, draftID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(systems) {
		return fmt.Errorf("system index %d out of range", index)
	}
	systems = append(systems[:index], systems[index+1:]...)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceDraftSystems(ctx, tx, draftID, systems); err != nil {
		return err
	}
	return tx.Commit()
}

// ConfirmSelection locks in the selection set and advances the draft to CRIADA.
func (e Engine) ConfirmSelection(ctx context.Context, draftID string, actor domain.Identity) (domain.ValidationDraft, error) {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return d, err
	}
	systems, err := e.Repo.ListDraftSystems(ctx, draftID)
	if err != nil {
		return d, err
	}
	if len(systems) == 0 {
		return d, ErrEmptySelection
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if advanced, ok := advanceDraftStatus(d.Status, domain.DraftStatusCriada); ok {
		if err := e.Repo.UpdateDraftStatus(ctx, tx, draftID, advanced); err != nil {
			return d, err
		}
		d.Status = advanced
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// FieldOptions are the inputs to AddField.
type FieldOptions struct {
	Name        string
	Description string
	Type        string
	Required    bool
}

// AddField appends a checklist field and renumbers the list.
func (e Engine) AddField(ctx context.Context, draftID string, opts FieldOptions, actor domain.Identity) (domain.ValidationField, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.ValidationField{}, ErrMissingFieldName
	}
	if opts.Type == "" {
		opts.Type = "checkbox"
	}
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return domain.ValidationField{}, err
	}
	fields, err := e.Repo.ListFields(ctx, draftID)
	if err != nil {
		return domain.ValidationField{}, err
	}
	f := domain.ValidationField{
		ID:          uuid.New().String(),
		DraftID:     draftID,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		Type:        opts.Type,
		Required:    opts.Required,
	}
	fields = append(fields, f)
	if err := e.saveFields(ctx, d, fields, actor); err != nil {
		return domain.ValidationField{}, err
	}
	f.Order = len(fields)
	return f, nil
}

// RemoveField deletes a field by id and renumbers the remainder.
func (e Engine) RemoveField(ctx context.Context, draftID, fieldID string, actor domain.Identity) error {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	fields, err := e.Repo.ListFields(ctx, draftID)
	if err != nil {
		return err
	}
	kept := fields[:0]
	found := false
	for _, f := range fields {
		if f.ID == fieldID {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		return repo.ErrNotFound
	}
	return e.saveFields(ctx, d, kept, actor)
}

// MoveFieldUp swaps the field at index with its predecessor. Index 0 is a
// no-op, not an error.
func (e Engine) MoveFieldUp(ctx context.Context, draftID string, index int, actor domain.Identity) error {
	return e.moveField(ctx, draftID, index, -1, actor)
}

// MoveFieldDown swaps the field at index with its successor. The last index
// is a no-op, not an error.
func (e Engine) MoveFieldDown(ctx context.Context, draftID string, index int, actor domain.Identity) error {
	return e.moveField(ctx, draftID, index, 1, actor)
}

func (e Engine) moveField(ctx context.Context, draftID string, index, delta int, actor domain.Identity) error {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	fields, err := e.Repo.ListFields(ctx, draftID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(fields) {
		return fmt.Errorf("field index %d out of range", index)
	}
	target := index + delta
	if target < 0 || target >= len(fields) {
		return nil
	}
	fields[index], fields[target] = fields[target], fields[index]
	return e.saveFields(ctx, d, fields, actor)
}

// saveFields persists fields renumbered 1..N in slice order. Structure
// changes on an already configured draft are audited.
func (e Engine) saveFields(ctx context.Context, d domain.ValidationDraft, fields []domain.ValidationField, actor domain.Identity) error {
	for i := range fields {
		fields[i].Order = i + 1
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceFields(ctx, tx, d.ID, fields); err != nil {
		return err
	}
	if d.Status == domain.DraftStatusConfigurada || d.Status == domain.DraftStatusExecutada {
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			User:         actor.Name,
			Department:   actor.Department,
			Action:       audit.ActionStructureChanged,
			ValidationID: d.ID,
			Details:      fmt.Sprintf("Campos: %d", len(fields)),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ConfirmFields locks in the checklist and advances the draft to CONFIGURADA.
func (e Engine) ConfirmFields(ctx context.Context, draftID string, actor domain.Identity) (domain.ValidationDraft, error) {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return d, err
	}
	fields, err := e.Repo.ListFields(ctx, draftID)
	if err != nil {
		return d, err
	}
	if len(fields) == 0 {
		return d, ErrEmptyFieldSet
	}
	systems, err := e.Repo.ListDraftSystems(ctx, draftID)
	if err != nil {
		return d, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if advanced, ok := advanceDraftStatus(d.Status, domain.DraftStatusConfigurada); ok {
		if err := e.Repo.UpdateDraftStatus(ctx, tx, draftID, advanced); err != nil {
			return d, err
		}
		d.Status = advanced
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionValidationCreated,
		ValidationID: d.ID,
		Details:      fmt.Sprintf("Validação configurada: %s, Sistemas: %d, Campos: %d, Status: AGUARDANDO_TESTE", d.Name, len(systems), len(fields)),
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// IssueKey binds the configured draft to a fresh access key and appends a
// pending record the tester can redeem.
func (e Engine) IssueKey(ctx context.Context, draftID string, actor domain.Identity) (domain.PendingValidation, error) {
	d, err := e.Repo.GetDraft(ctx, draftID)
	if err != nil {
		return domain.PendingValidation{}, err
	}
	systems, err := e.Repo.ListDraftSystems(ctx, draftID)
	if err != nil {
		return domain.PendingValidation{}, err
	}
	if len(systems) == 0 {
		return domain.PendingValidation{}, ErrEmptySelection
	}
	fields, err := e.Repo.ListFields(ctx, draftID)
	if err != nil {
		return domain.PendingValidation{}, err
	}
	if len(fields) == 0 {
		return domain.PendingValidation{}, ErrEmptyFieldSet
	}
	key, err := e.generateAccessKey()
	if err != nil {
		return domain.PendingValidation{}, err
	}
	p := domain.PendingValidation{
		ID:        uuid.New().String(),
		DraftID:   d.ID,
		AccessKey: key,
		Systems:   systems,
		Fields:    fields,
		CreatedBy: actor.Name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
		Status:    domain.SessionAwaitingTest,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PendingValidation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPending(ctx, tx, p); err != nil {
		return domain.PendingValidation{}, fmt.Errorf("insert pending validation: %w", err)
	}
	if advanced, ok := advanceDraftStatus(d.Status, domain.DraftStatusConfigurada); ok {
		if err := e.Repo.UpdateDraftStatus(ctx, tx, draftID, advanced); err != nil {
			return domain.PendingValidation{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionValidationStarted,
		System:       systems[0].System,
		Environment:  systems[0].Environment,
		ValidationID: d.ID,
		Details:      fmt.Sprintf("Validação: %s, Tipo: %s, Status: %s", d.Name, d.Type, domain.SessionAwaitingTest),
	}); err != nil {
		return domain.PendingValidation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PendingValidation{}, err
	}
	return p, nil
}

// generateAccessKey returns VAL-<base36 timestamp>-<random suffix>, uppercase
// and human-typable. The suffix comes from crypto/rand.
func (e Engine) generateAccessKey() (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access key: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	ts := strings.ToUpper(strconv.FormatInt(e.now().UnixMilli(), 36))
	return fmt.Sprintf("VAL-%s-%s", ts, string(buf)), nil
}

// RedeemKey turns a pending record into a live session for the tester.
// Keys are not consumed: redeeming the same key again starts another
// session, matching the reference behavior.
func (e Engine) RedeemKey(ctx context.Context, key string, tester domain.Identity) (domain.ValidationSession, error) {
	p, err := e.Repo.GetPendingByKey(ctx, strings.TrimSpace(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationSession{}, InvalidKeyError{Key: key}
		}
		return domain.ValidationSession{}, err
	}
	d, err := e.Repo.GetDraft(ctx, p.DraftID)
	if err != nil {
		return domain.ValidationSession{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.ValidationSession{
		ID:               uuid.New().String(),
		User:             tester.Name,
		Department:       tester.Department,
		Division:         d.Division,
		System:           p.Systems[0].System,
		Environment:      p.Systems[0].Environment,
		AccessKey:        &p.AccessKey,
		StartTime:        now,
		Status:           domain.SessionInProgress,
		StructureVersion: StructureVersion,
		TesterName:       &tester.Name,
		ValidationName:   &d.Name,
		ValidationType:   &d.Type,
		Responsible:      &d.Responsible,
		ValidationStatus: &d.Status,
	}
	for i, f := range p.Fields {
		s.Items = append(s.Items, domain.ValidationItem{
			ID:        uuid.New().String(),
			SessionID: s.ID,
			Item:      f.Name,
			Status:    domain.ItemStatusUnset,
			Order:     i + 1,
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.ValidationSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         tester.Name,
		Department:   tester.Department,
		Action:       audit.ActionValidationStarted,
		System:       s.System,
		Environment:  s.Environment,
		ValidationID: s.ID,
		Details:      fmt.Sprintf("Acesso via chave: %s", p.AccessKey),
	}); err != nil {
		return domain.ValidationSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationSession{}, err
	}
	return s, nil
}

// LegacyOptions parameterize the key-less entry path kept for backward
// compatibility.
type LegacyOptions struct {
	Division    string
	System      string
	Environment string
	GMUDNumber  string
}

// StartLegacySession synthesizes a session from the canonical item list.
func (e Engine) StartLegacySession(ctx context.Context, opts LegacyOptions, tester domain.Identity) (domain.ValidationSession, error) {
	problems := map[string]string{}
	if strings.TrimSpace(opts.Division) == "" {
		problems["division"] = "division is required"
	}
	if strings.TrimSpace(opts.System) == "" {
		problems["system"] = "system is required"
	}
	if strings.TrimSpace(opts.Environment) == "" {
		problems["environment"] = "environment is required"
	}
	if len(problems) > 0 {
		return domain.ValidationSession{}, &ValidationError{Fields: problems}
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.ValidationSession{
		ID:               uuid.New().String(),
		User:             tester.Name,
		Department:       tester.Department,
		Division:         opts.Division,
		System:           opts.System,
		Environment:      opts.Environment,
		StartTime:        now,
		Status:           domain.SessionInProgress,
		StructureVersion: StructureVersion,
	}
	if opts.GMUDNumber != "" {
		s.GMUDNumber = &opts.GMUDNumber
	}
	for i, item := range legacyItems {
		s.Items = append(s.Items, domain.ValidationItem{
			ID:        uuid.New().String(),
			SessionID: s.ID,
			Item:      item,
			Status:    domain.ItemStatusUnset,
			Order:     i + 1,
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.ValidationSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         tester.Name,
		Department:   tester.Department,
		Action:       audit.ActionValidationStarted,
		System:       s.System,
		Environment:  s.Environment,
		ValidationID: s.ID,
		Details:      fmt.Sprintf("Divisão: %s, Estrutura: v%s", s.Division, s.StructureVersion),
	}); err != nil {
		return domain.ValidationSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationSession{}, err
	}
	return s, nil
}

func (e Engine) mutableSession(ctx context.Context, sessionID string) (domain.ValidationSession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status == domain.SessionInProgress {
		return s, nil
	}
	if !e.IsEditable(s) {
		end, _ := time.Parse(time.RFC3339, *s.EndTime)
		return s, EditWindowExpiredError{EndTime: end, Window: e.editWindow()}
	}
	return s, ErrSessionReadOnly
}

// SetItemStatus records the tester's judgement. Any enum value is legal at
// any time while the session runs; testers may revise.
func (e Engine) SetItemStatus(ctx context.Context, sessionID, itemID, status string, actor domain.Identity) error {
	switch status {
	case domain.ItemStatusUnset, domain.ItemStatusOK, domain.ItemStatusFailed, domain.ItemStatusNotApplicable:
	default:
		return fmt.Errorf("invalid item status %q", status)
	}
	s, err := e.mutableSession(ctx, sessionID)
	if err != nil {
		return err
	}
	it, err := e.Repo.GetItem(ctx, sessionID, itemID)
	if err != nil {
		return err
	}
	it.Status = status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:            actor.Name,
		Department:      actor.Department,
		Action:          audit.ActionStatusChanged,
		System:          s.System,
		Environment:     s.Environment,
		ValidationID:    s.ID,
		ResultingStatus: status,
		Details:         fmt.Sprintf("Item: %s", it.Item),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AttachEvidence stores the file bytes and a data-URL preview. Size is
// bounded by config. Attaching to an N/A item is allowed; only the UI hides
// the control there.
func (e Engine) AttachEvidence(ctx context.Context, sessionID, itemID, filename string, data []byte, actor domain.Identity) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if int64(len(data)) > e.Config.MaxEvidenceBytes() {
		return ErrEvidenceTooLarge
	}
	s, err := e.mutableSession(ctx, sessionID)
	if err != nil {
		return err
	}
	it, err := e.Repo.GetItem(ctx, sessionID, itemID)
	if err != nil {
		return err
	}
	it.Evidence = data
	preview := dataURL(data)
	it.EvidencePreview = &preview
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionEvidenceUploaded,
		System:       s.System,
		Environment:  s.Environment,
		ValidationID: s.ID,
		Details:      fmt.Sprintf("Item: %s, Arquivo: %s", it.Item, filename),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func dataURL(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// SetComment updates an item's free-text comment. Only non-blank results are
// audited to keep keystroke noise out of the log.
func (e Engine) SetComment(ctx context.Context, sessionID, itemID, text string, actor domain.Identity) error {
	s, err := e.mutableSession(ctx, sessionID)
	if err != nil {
		return err
	}
	it, err := e.Repo.GetItem(ctx, sessionID, itemID)
	if err != nil {
		return err
	}
	it.Comment = text
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return err
	}
	if strings.TrimSpace(text) != "" {
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			User:         actor.Name,
			Department:   actor.Department,
			Action:       audit.ActionCommentAdded,
			System:       s.System,
			Environment:  s.Environment,
			ValidationID: s.ID,
			Details:      fmt.Sprintf("Item: %s", it.Item),
		}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CanFinalize reports whether the completion gate is satisfied: every item
// judged, and evidence present on at least one item. Evidence is an
// aggregate requirement, not per-item.
func CanFinalize(s domain.ValidationSession) bool {
	if len(s.Items) == 0 {
		return false
	}
	hasEvidence := false
	for _, it := range s.Items {
		if it.Status == domain.ItemStatusUnset {
			return false
		}
		if len(it.Evidence) > 0 || it.EvidencePreview != nil {
			hasEvidence = true
		}
	}
	return hasEvidence
}

// Finalize closes the session, appends the evidence-stripped snapshot to
// history and emits the closing audit events. Terminal: further mutation
// goes through Reopen, never back through the item operations directly.
func (e Engine) Finalize(ctx context.Context, sessionID, signature string, auditorConfirmed bool, actor domain.Identity) (domain.ValidationSession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status == domain.SessionCompleted {
		return s, ErrSessionReadOnly
	}
	if !CanFinalize(s) {
		return s, ErrIncompleteValidation
	}
	if strings.TrimSpace(signature) == "" {
		return s, ErrMissingSignature
	}
	if (actor.Role == domain.RoleAuditor || actor.Role == domain.RoleAdmin) && !auditorConfirmed {
		return s, ErrMissingAuditorConfirmation
	}
	now := e.now().UTC().Format(time.RFC3339)
	s.EndTime = &now
	s.Status = domain.SessionCompleted
	sig := strings.TrimSpace(signature)
	s.Signature = &sig
	executed := domain.DraftStatusExecutada
	s.ValidationStatus = &executed

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if s.AccessKey != nil {
		if p, err := e.Repo.GetPendingByKey(ctx, *s.AccessKey); err == nil {
			if d, err := e.Repo.GetDraftTx(ctx, tx, p.DraftID); err == nil {
				if advanced, ok := advanceDraftStatus(d.Status, domain.DraftStatusExecutada); ok {
					if err := e.Repo.UpdateDraftStatus(ctx, tx, d.ID, advanced); err != nil {
						return s, err
					}
				}
			}
		}
	}
	if err := e.Repo.AppendHistory(ctx, tx, s, now); err != nil {
		return s, fmt.Errorf("append history: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionValidationClosed,
		System:       s.System,
		Environment:  s.Environment,
		ValidationID: s.ID,
		Details:      fmt.Sprintf("Total de itens: %d", len(s.Items)),
	}); err != nil {
		return s, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionReportExported,
		System:       s.System,
		Environment:  s.Environment,
		ValidationID: s.ID,
		Details:      "Exportação de PDF e Planilha",
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) editWindow() time.Duration {
	hours := 24
	if e.Config != nil {
		hours = e.Config.EditWindow()
	}
	return time.Duration(hours) * time.Hour
}

// IsEditable reports whether the session may still be mutated. Awaiting-test
// records are always editable; concluded sessions only within the flat
// edit window after their end time.
func (e Engine) IsEditable(s domain.ValidationSession) bool {
	if s.Status == domain.SessionAwaitingTest {
		return true
	}
	if s.EndTime == nil {
		return true
	}
	end, err := time.Parse(time.RFC3339, *s.EndTime)
	if err != nil {
		return false
	}
	return e.now().Sub(end) <= e.editWindow()
}

// Reopen puts a concluded session back in progress, provided the edit window
// has not expired.
func (e Engine) Reopen(ctx context.Context, sessionID string, actor domain.Identity) (domain.ValidationSession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionCompleted {
		return s, nil
	}
	if !e.IsEditable(s) {
		end, _ := time.Parse(time.RFC3339, *s.EndTime)
		return s, EditWindowExpiredError{EndTime: end, Window: e.editWindow()}
	}
	s.Status = domain.SessionInProgress
	s.EndTime = nil
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		User:            actor.Name,
		Department:      actor.Department,
		Action:          audit.ActionStatusChanged,
		System:          s.System,
		Environment:     s.Environment,
		ValidationID:    s.ID,
		ResultingStatus: domain.SessionInProgress,
		Details:         "Reabertura dentro do prazo de edição",
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ListHistory lists finalized sessions and audits the consultation.
func (e Engine) ListHistory(ctx context.Context, actor domain.Identity) ([]domain.ValidationSession, error) {
	sessions, err := e.Repo.ListHistory(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.Audit.AppendStandalone(ctx, audit.Entry{
		User:       actor.Name,
		Department: actor.Department,
		Action:     audit.ActionHistoryQueried,
		Details:    fmt.Sprintf("Registros: %d", len(sessions)),
	}); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionReport renders a finalized or in-flight session as a plaintext
// report and audits the export. Falls back to the history copy when the
// live session is gone.
func (e Engine) SessionReport(ctx context.Context, sessionID string, actor domain.Identity) ([]byte, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		s, err = e.Repo.GetHistory(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("SEV Tracker - Relatório de Validação\n")
	fmt.Fprintf(&buf, "Gerado: %s\n\n", e.now().Format(time.RFC3339))
	fmt.Fprintf(&buf, "Validação: %s\n", strDeref(s.ValidationName, s.ID))
	fmt.Fprintf(&buf, "Tipo: %s\n", strDeref(s.ValidationType, "-"))
	fmt.Fprintf(&buf, "Divisão: %s\n", s.Division)
	fmt.Fprintf(&buf, "Sistema: %s (%s)\n", s.System, s.Environment)
	if s.GMUDNumber != nil {
		fmt.Fprintf(&buf, "GMUD: %s\n", *s.GMUDNumber)
	}
	fmt.Fprintf(&buf, "Testador: %s (%s)\n", s.User, s.Department)
	fmt.Fprintf(&buf, "Status: %s\n", s.Status)
	fmt.Fprintf(&buf, "Início: %s\n", s.StartTime)
	if s.EndTime != nil {
		fmt.Fprintf(&buf, "Término: %s\n", *s.EndTime)
	}
	if s.Signature != nil {
		fmt.Fprintf(&buf, "Assinatura: %s\n", *s.Signature)
	}
	fmt.Fprintf(&buf, "Estrutura: v%s\n\n", s.StructureVersion)
	buf.WriteString(strings.Repeat("=", 80))
	buf.WriteString("\n\n")
	for _, it := range s.Items {
		fmt.Fprintf(&buf, "%d. %s\n", it.Order, it.Item)
		status := it.Status
		if status == "" {
			status = "Pendente"
		}
		fmt.Fprintf(&buf, "   Status: %s\n", status)
		if it.EvidencePreview != nil {
			buf.WriteString("   Evidência: anexada\n")
		}
		if it.Comment != "" {
			fmt.Fprintf(&buf, "   Comentário: %s\n", it.Comment)
		}
		buf.WriteByte('\n')
	}

	if err := e.Audit.AppendStandalone(ctx, audit.Entry{
		User:         actor.Name,
		Department:   actor.Department,
		Action:       audit.ActionReportExported,
		System:       s.System,
		Environment:  s.Environment,
		ValidationID: s.ID,
		Details:      fmt.Sprintf("Exportação de relatório, Itens: %d", len(s.Items)),
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func strDeref(v *string, fallback string) string {
	if v != nil && *v != "" {
		return *v
	}
	return fallback
}

var draftStatusRank = map[string]int{
	domain.DraftStatusRascunho:    0,
	domain.DraftStatusCriada:      1,
	domain.DraftStatusConfigurada: 2,
	domain.DraftStatusExecutada:   3,
}

// advanceDraftStatus returns the target status when it is a forward move.
// Draft statuses never regress.
func advanceDraftStatus(current, target string) (string, bool) {
	if draftStatusRank[target] > draftStatusRank[current] {
		return target, true
	}
	return current, false
}
