package audit

// Audit actions recorded by the tracker. Values are stable storage keys;
// display names are used only on export.
const (
	ActionLogin             = "LOGIN_REALIZADO"
	ActionLogout            = "LOGOUT_REALIZADO"
	ActionValidationStarted = "INICIO_VALIDACAO"
	ActionValidationCreated = "CRIACAO_VALIDACAO"
	ActionEnvironmentChosen = "SELECAO_AMBIENTE"
	ActionEvidenceUploaded  = "UPLOAD_EVIDENCIA"
	ActionStatusChanged     = "ALTERACAO_STATUS"
	ActionCommentAdded      = "ADICAO_COMENTARIO"
	ActionValidationClosed  = "FINALIZACAO_VALIDACAO"
	ActionReportExported    = "EXPORTACAO_RELATORIO"
	ActionUserCreated       = "CRIACAO_USUARIO"
	ActionUserUpdated       = "ALTERACAO_USUARIO"
	ActionUserDeactivated   = "DESATIVACAO_USUARIO"
	ActionStructureChanged  = "ALTERACAO_ESTRUTURA"
	ActionHistoryQueried    = "CONSULTA_VALIDACOES"
)

var displayNames = map[string]string{
	ActionLogin:             "Login Realizado",
	ActionLogout:            "Logout Realizado",
	ActionValidationStarted: "Início de Validação",
	ActionValidationCreated: "Criação de Validação",
	ActionEnvironmentChosen: "Seleção de Ambiente",
	ActionEvidenceUploaded:  "Upload de Evidência",
	ActionStatusChanged:     "Alteração de Status",
	ActionCommentAdded:      "Adição de Comentário",
	ActionValidationClosed:  "Finalização da Validação",
	ActionReportExported:    "Exportação de Relatório",
	ActionUserCreated:       "Criação de Usuário",
	ActionUserUpdated:       "Alteração de Usuário",
	ActionUserDeactivated:   "Desativação de Usuário",
	ActionStructureChanged:  "Alteração da Estrutura de Validação",
	ActionHistoryQueried:    "Consulta de Validações Anteriores",
}

// DisplayName returns the human-readable name for an action, falling back to
// the raw value for unknown actions.
func DisplayName(action string) string {
	if name, ok := displayNames[action]; ok {
		return name
	}
	return action
}
