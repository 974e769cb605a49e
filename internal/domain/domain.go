package domain

// Draft statuses advance monotonically and never regress.
const (
	DraftStatusRascunho    = "RASCUNHO"
	DraftStatusCriada      = "CRIADA"
	DraftStatusConfigurada = "CONFIGURADA"
	DraftStatusExecutada   = "EXECUTADA"
)

// Session statuses.
const (
	SessionAwaitingTest = "aguardando_teste"
	SessionInProgress   = "em_andamento"
	SessionCompleted    = "concluida"
)

// Item statuses. Empty string means not yet judged.
const (
	ItemStatusUnset         = ""
	ItemStatusOK            = "OK"
	ItemStatusFailed        = "Falhou"
	ItemStatusNotApplicable = "Não se aplica"
)

// Roles supplied by the auth collaborator. The core never derives these.
const (
	RoleTester  = "testador"
	RoleAuditor = "auditor"
	RoleAdmin   = "administrador"
)

// Identity is the acting user as supplied by the external auth collaborator.
type Identity struct {
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role" enum:"testador,auditor,administrador"`
	Department string `json:"department"`
}

type ValidationDraft struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Division    string `json:"division"`
	Responsible string `json:"responsible"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	Status      string `json:"status" enum:"RASCUNHO,CRIADA,CONFIGURADA,EXECUTADA"`
}

// SelectedSystem is one (system, environment) target pair on a draft.
// The pair is a natural key within a draft; position records addition order.
type SelectedSystem struct {
	System      string `json:"system"`
	Environment string `json:"environment"`
}

type ValidationField struct {
	ID          string `json:"id"`
	DraftID     string `json:"draft_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type" enum:"text,checkbox,select,file"`
	Required    bool   `json:"required"`
	Order       int    `json:"order"`
}

type ValidationItem struct {
	ID              string  `json:"id"`
	SessionID       string  `json:"session_id"`
	Item            string  `json:"item"`
	Status          string  `json:"status" enum:",OK,Falhou,Não se aplica"`
	Evidence        []byte  `json:"-"`
	EvidencePreview *string `json:"evidence_preview,omitempty"`
	Comment         string  `json:"comment,omitempty"`
	Order           int     `json:"order"`
}

// ValidationSession is the aggregate root of one execution.
// EndTime is set iff Status is concluida. Items are fixed at creation; only
// per-item status/evidence/comment mutate while em_andamento.
type ValidationSession struct {
	ID               string           `json:"id"`
	User             string           `json:"user"`
	Department       string           `json:"department"`
	Division         string           `json:"division"`
	System           string           `json:"system"`
	Environment      string           `json:"environment"`
	GMUDNumber       *string          `json:"gmud_number,omitempty"`
	AccessKey        *string          `json:"access_key,omitempty"`
	StartTime        string           `json:"start_time" format:"date-time"`
	EndTime          *string          `json:"end_time,omitempty" format:"date-time"`
	Items            []ValidationItem `json:"items"`
	Status           string           `json:"status" enum:"em_andamento,concluida,aguardando_teste"`
	StructureVersion string           `json:"structure_version"`
	TesterName       *string          `json:"tester_name,omitempty"`
	Signature        *string          `json:"signature,omitempty"`
	ValidationName   *string          `json:"validation_name,omitempty"`
	ValidationType   *string          `json:"validation_type,omitempty"`
	Responsible      *string          `json:"responsible,omitempty"`
	ValidationStatus *string          `json:"validation_status,omitempty"`
}

// PendingValidation binds a configured draft to an access key awaiting a tester.
type PendingValidation struct {
	ID        string            `json:"id"`
	DraftID   string            `json:"draft_id"`
	AccessKey string            `json:"access_key"`
	Systems   []SelectedSystem  `json:"systems"`
	Fields    []ValidationField `json:"fields"`
	CreatedBy string            `json:"created_by"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	Status    string            `json:"status"`
}

// AuditEntry is one append-only audit log record. ID ordering is insertion
// order; Timestamp is wall-clock and not guaranteed monotonic.
type AuditEntry struct {
	ID              int64  `json:"id"`
	Timestamp       string `json:"timestamp" format:"date-time"`
	User            string `json:"user"`
	Department      string `json:"department"`
	Action          string `json:"action"`
	System          string `json:"system,omitempty"`
	Environment     string `json:"environment,omitempty"`
	ValidationID    string `json:"validation_id,omitempty"`
	ResultingStatus string `json:"resulting_status,omitempty"`
	Details         string `json:"details,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorName string `json:"actor_name"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
