package server

import (
	"sevtrack/internal/audit"
	"sevtrack/internal/domain"
)

type CreateDraftRequest struct {
	Name        string `json:"name" example:"Validação Release 2.4"`
	Description string `json:"description" example:"Validação funcional do fluxo de encomendas"`
	Type        string `json:"type" example:"Funcional"`
	Division    string `json:"division" example:"Passageiros"`
	Responsible string `json:"responsible" example:"Maria Silva"`
}

type DraftResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Division    string `json:"division"`
	Responsible string `json:"responsible"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
	Status      string `json:"status"`
}

func draftResponse(d domain.ValidationDraft) DraftResponse {
	return DraftResponse(d)
}

func mapDrafts(items []domain.ValidationDraft) []DraftResponse {
	out := make([]DraftResponse, 0, len(items))
	for _, d := range items {
		out = append(out, draftResponse(d))
	}
	return out
}

type AddSystemRequest struct {
	System      string `json:"system" example:"Encomendas"`
	Environment string `json:"environment" example:"QA"`
}

type SystemResponse struct {
	System      string `json:"system"`
	Environment string `json:"environment"`
}

func mapSystems(items []domain.SelectedSystem) []SystemResponse {
	out := make([]SystemResponse, 0, len(items))
	for _, s := range items {
		out = append(out, SystemResponse(s))
	}
	return out
}

type AddFieldRequest struct {
	Name        string `json:"name" example:"Validar geração de etiqueta"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty" example:"checkbox"`
	Required    bool   `json:"required,omitempty"`
}

type FieldResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Order       int    `json:"order"`
}

func fieldResponse(f domain.ValidationField) FieldResponse {
	return FieldResponse{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Type:        f.Type,
		Required:    f.Required,
		Order:       f.Order,
	}
}

func mapFields(items []domain.ValidationField) []FieldResponse {
	out := make([]FieldResponse, 0, len(items))
	for _, f := range items {
		out = append(out, fieldResponse(f))
	}
	return out
}

type PendingResponse struct {
	ID        string           `json:"id"`
	DraftID   string           `json:"draft_id"`
	AccessKey string           `json:"access_key"`
	Systems   []SystemResponse `json:"systems"`
	Fields    []FieldResponse  `json:"fields"`
	CreatedBy string           `json:"created_by"`
	CreatedAt string           `json:"created_at"`
	Status    string           `json:"status"`
}

func pendingResponse(p domain.PendingValidation) PendingResponse {
	return PendingResponse{
		ID:        p.ID,
		DraftID:   p.DraftID,
		AccessKey: p.AccessKey,
		Systems:   mapSystems(p.Systems),
		Fields:    mapFields(p.Fields),
		CreatedBy: p.CreatedBy,
		CreatedAt: p.CreatedAt,
		Status:    p.Status,
	}
}

type ItemResponse struct {
	ID              string  `json:"id"`
	Item            string  `json:"item"`
	Status          string  `json:"status"`
	EvidencePreview *string `json:"evidence_preview,omitempty"`
	Comment         string  `json:"comment,omitempty"`
	Order           int     `json:"order"`
}

func itemResponse(it domain.ValidationItem) ItemResponse {
	return ItemResponse{
		ID:              it.ID,
		Item:            it.Item,
		Status:          it.Status,
		EvidencePreview: it.EvidencePreview,
		Comment:         it.Comment,
		Order:           it.Order,
	}
}

type SessionResponse struct {
	ID               string         `json:"id"`
	User             string         `json:"user"`
	Department       string         `json:"department"`
	Division         string         `json:"division"`
	System           string         `json:"system"`
	Environment      string         `json:"environment"`
	GMUDNumber       *string        `json:"gmud_number,omitempty"`
	AccessKey        *string        `json:"access_key,omitempty"`
	StartTime        string         `json:"start_time"`
	EndTime          *string        `json:"end_time,omitempty"`
	Items            []ItemResponse `json:"items"`
	Status           string         `json:"status"`
	StructureVersion string         `json:"structure_version"`
	TesterName       *string        `json:"tester_name,omitempty"`
	Signature        *string        `json:"signature,omitempty"`
	ValidationName   *string        `json:"validation_name,omitempty"`
	ValidationType   *string        `json:"validation_type,omitempty"`
	Responsible      *string        `json:"responsible,omitempty"`
	ValidationStatus *string        `json:"validation_status,omitempty"`
	Editable         bool           `json:"editable"`
	CanFinalize      bool           `json:"can_finalize"`
}

func sessionResponse(s domain.ValidationSession, editable, canFinalize bool) SessionResponse {
	items := make([]ItemResponse, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, itemResponse(it))
	}
	return SessionResponse{
		ID:               s.ID,
		User:             s.User,
		Department:       s.Department,
		Division:         s.Division,
		System:           s.System,
		Environment:      s.Environment,
		GMUDNumber:       s.GMUDNumber,
		AccessKey:        s.AccessKey,
		StartTime:        s.StartTime,
		EndTime:          s.EndTime,
		Items:            items,
		Status:           s.Status,
		StructureVersion: s.StructureVersion,
		TesterName:       s.TesterName,
		Signature:        s.Signature,
		ValidationName:   s.ValidationName,
		ValidationType:   s.ValidationType,
		Responsible:      s.Responsible,
		ValidationStatus: s.ValidationStatus,
		Editable:         editable,
		CanFinalize:      canFinalize,
	}
}

type AuditEntryResponse struct {
	ID              int64  `json:"id"`
	Timestamp       string `json:"timestamp"`
	User            string `json:"user"`
	Department      string `json:"department"`
	Action          string `json:"action"`
	ActionDisplay   string `json:"action_display"`
	System          string `json:"system,omitempty"`
	Environment     string `json:"environment,omitempty"`
	ValidationID    string `json:"validation_id,omitempty"`
	ResultingStatus string `json:"resulting_status,omitempty"`
	Details         string `json:"details,omitempty"`
}

func mapAuditEntries(items []domain.AuditEntry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, AuditEntryResponse{
			ID:              e.ID,
			Timestamp:       e.Timestamp,
			User:            e.User,
			Department:      e.Department,
			Action:          e.Action,
			ActionDisplay:   audit.DisplayName(e.Action),
			System:          e.System,
			Environment:     e.Environment,
			ValidationID:    e.ValidationID,
			ResultingStatus: e.ResultingStatus,
			Details:         e.Details,
		})
	}
	return out
}
