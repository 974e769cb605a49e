package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sevtrack/internal/audit"
	"sevtrack/internal/config"
	"sevtrack/internal/db"
	"sevtrack/internal/domain"
	"sevtrack/internal/engine"
	"sevtrack/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("test"))
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

var auditor = domain.Identity{Name: "Ana", Role: domain.RoleAuditor, Department: "Qualidade"}
var tester = domain.Identity{Name: "Bruno", Role: domain.RoleTester, Department: "TI"}

func (env *testEnv) createDraft(t *testing.T) domain.ValidationDraft {
	t.Helper()
	d, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Name:        "Release 2.4",
		Description: "Validação do fluxo de encomendas",
		Type:        "Funcional",
		Division:    "Passageiros",
		Responsible: "Ana",
	}, auditor)
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return d
}

func (env *testEnv) configuredDraft(t *testing.T) domain.ValidationDraft {
	t.Helper()
	d := env.createDraft(t)
	if err := env.Engine.AddSystem(env.Ctx, d.ID, "Encomendas", "QA", auditor); err != nil {
		t.Fatalf("add system: %v", err)
	}
	if _, err := env.Engine.ConfirmSelection(env.Ctx, d.ID, auditor); err != nil {
		t.Fatalf("confirm selection: %v", err)
	}
	d, err := env.Engine.ConfirmFields(env.Ctx, d.ID, auditor)
	if err != nil {
		t.Fatalf("confirm fields: %v", err)
	}
	return d
}

func (env *testEnv) startSession(t *testing.T) domain.ValidationSession {
	t.Helper()
	d := env.configuredDraft(t)
	p, err := env.Engine.IssueKey(env.Ctx, d.ID, auditor)
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	s, err := env.Engine.RedeemKey(env.Ctx, p.AccessKey, tester)
	if err != nil {
		t.Fatalf("redeem key: %v", err)
	}
	return s
}

func (env *testEnv) judgeAll(t *testing.T, s domain.ValidationSession, status string) {
	t.Helper()
	for _, it := range s.Items {
		if err := env.Engine.SetItemStatus(env.Ctx, s.ID, it.ID, status, tester); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
}

func TestCreateDraftReportsAllProblemsAtOnce(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateDraft(env.Ctx, engine.DraftOptions{
		Name: "only a name",
		Type: "Inexistente",
	}, auditor)
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"description", "type", "division", "responsible"} {
		if _, ok := ve.Fields[field]; !ok {
			t.Errorf("missing problem for %s: %v", field, ve.Fields)
		}
	}
	if _, ok := ve.Fields["name"]; ok {
		t.Errorf("name should be valid: %v", ve.Fields)
	}
}

func TestCreateDraftSeedsDefaultFields(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t)
	if d.Status != domain.DraftStatusRascunho {
		t.Fatalf("expected RASCUNHO, got %s", d.Status)
	}
	fields, err := env.Engine.Repo.ListFields(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 default fields, got %d", len(fields))
	}
	for i, f := range fields {
		if f.Order != i+1 {
			t.Errorf("field %d: order %d", i, f.Order)
		}
	}
}

func TestDuplicateSystemPairRejected(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t)
	if err := env.Engine.AddSystem(env.Ctx, d.ID, "Encomendas", "QA", auditor); err != nil {
		t.Fatal(err)
	}
	err := env.Engine.AddSystem(env.Ctx, d.ID, "Encomendas", "QA", auditor)
	var dupe engine.DuplicatePairError
	if !errors.As(err, &dupe) {
		t.Fatalf("expected DuplicatePairError, got %v", err)
	}
	// Same system in a different environment is fine.
	if err := env.Engine.AddSystem(env.Ctx, d.ID, "Encomendas", "HMG", auditor); err != nil {
		t.Fatalf("different environment: %v", err)
	}
}

func TestConfirmSelectionRequiresPair(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t)
	if _, err := env.Engine.ConfirmSelection(env.Ctx, d.ID, auditor); !errors.Is(err, engine.ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
	if err := env.Engine.AddSystem(env.Ctx, d.ID, "Encomendas", "QA", auditor); err != nil {
		t.Fatal(err)
	}
	d2, err := env.Engine.ConfirmSelection(env.Ctx, d.ID, auditor)
	if err != nil {
		t.Fatal(err)
	}
	if d2.Status != domain.DraftStatusCriada {
		t.Fatalf("expected CRIADA, got %s", d2.Status)
	}
}

func TestFieldReorder(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDraft(t)
	f, err := env.Engine.AddField(env.Ctx, d.ID, engine.FieldOptions{Name: "Novo campo"}, auditor)
	if err != nil {
		t.Fatal(err)
	}
	if f.Order != 5 {
		t.Fatalf("expected order 5, got %d", f.Order)
	}

	// Boundary moves are no-ops.
	if err := env.Engine.MoveFieldUp(env.Ctx, d.ID, 0, auditor); err != nil {
		t.Fatalf("move up at top: %v", err)
	}
	if err := env.Engine.MoveFieldDown(env.Ctx, d.ID, 4, auditor); err != nil {
		t.Fatalf("move down at bottom: %v", err)
	}
	fields, _ := env.Engine.Repo.ListFields(env.Ctx, d.ID)
	if fields[4].Name != "Novo campo" {
		t.Fatalf("boundary move changed order: %v", fields)
	}

	if err := env.Engine.MoveFieldUp(env.Ctx, d.ID, 4, auditor); err != nil {
		t.Fatal(err)
	}
	fields, _ = env.Engine.Repo.ListFields(env.Ctx, d.ID)
	if fields[3].Name != "Novo campo" {
		t.Fatalf("expected field at position 3, got %v", fields[3].Name)
	}
	for i, f := range fields {
		if f.Order != i+1 {
			t.Errorf("order not contiguous at %d: %d", i, f.Order)
		}
	}

	if err := env.Engine.RemoveField(env.Ctx, d.ID, fields[0].ID, auditor); err != nil {
		t.Fatal(err)
	}
	fields, _ = env.Engine.Repo.ListFields(env.Ctx, d.ID)
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	for i, f := range fields {
		if f.Order != i+1 {
			t.Errorf("renumber after remove at %d: %d", i, f.Order)
		}
	}

	if _, err := env.Engine.AddField(env.Ctx, d.ID, engine.FieldOptions{Name: "   "}, auditor); !errors.Is(err, engine.ErrMissingFieldName) {
		t.Fatalf("expected ErrMissingFieldName, got %v", err)
	}
}

func TestIssueAndRedeemKey(t *testing.T) {
	env := newTestEnv(t)
	d := env.configuredDraft(t)
	if d.Status != domain.DraftStatusConfigurada {
		t.Fatalf("expected CONFIGURADA, got %s", d.Status)
	}
	p, err := env.Engine.IssueKey(env.Ctx, d.ID, auditor)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p.AccessKey, "VAL-") {
		t.Fatalf("unexpected key format: %s", p.AccessKey)
	}
	if p.AccessKey != strings.ToUpper(p.AccessKey) {
		t.Fatalf("key not uppercase: %s", p.AccessKey)
	}
	if p.Status != domain.SessionAwaitingTest {
		t.Fatalf("expected aguardando_teste, got %s", p.Status)
	}

	s, err := env.Engine.RedeemKey(env.Ctx, p.AccessKey, tester)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.SessionInProgress {
		t.Fatalf("expected em_andamento, got %s", s.Status)
	}
	if len(s.Items) != len(p.Fields) {
		t.Fatalf("expected %d items, got %d", len(p.Fields), len(s.Items))
	}
	for _, it := range s.Items {
		if it.Status != domain.ItemStatusUnset {
			t.Fatalf("item not fresh: %q", it.Status)
		}
	}
	if s.StructureVersion != engine.StructureVersion {
		t.Fatalf("structure version %s", s.StructureVersion)
	}
	if s.System != "Encomendas" || s.Environment != "QA" {
		t.Fatalf("unexpected target %s/%s", s.System, s.Environment)
	}

	// Keys are not consumed; a second redemption starts a second session.
	s2, err := env.Engine.RedeemKey(env.Ctx, p.AccessKey, tester)
	if err != nil {
		t.Fatalf("second redemption: %v", err)
	}
	if s2.ID == s.ID {
		t.Fatal("expected a distinct session")
	}

	_, err = env.Engine.RedeemKey(env.Ctx, "VAL-NOPE-XXXXXX", tester)
	var ike engine.InvalidKeyError
	if !errors.As(err, &ike) {
		t.Fatalf("expected InvalidKeyError, got %v", err)
	}
}

func TestCanFinalizeGate(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t)

	if engine.CanFinalize(s) {
		t.Fatal("fresh session should not finalize")
	}

	// All judged, no evidence: still blocked.
	env.judgeAll(t, s, domain.ItemStatusOK)
	s, _ = env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if engine.CanFinalize(s) {
		t.Fatal("evidence aggregate missing, should not finalize")
	}

	// Evidence on one item flips the gate.
	if err := env.Engine.AttachEvidence(env.Ctx, s.ID, s.Items[0].ID, "print.png", []byte("\x89PNG fake"), tester); err != nil {
		t.Fatal(err)
	}
	s, _ = env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if !engine.CanFinalize(s) {
		t.Fatal("expected finalizable")
	}

	// Clearing one judgement blocks again, even with evidence present.
	if err := env.Engine.SetItemStatus(env.Ctx, s.ID, s.Items[1].ID, domain.ItemStatusUnset, tester); err != nil {
		t.Fatal(err)
	}
	s, _ = env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if engine.CanFinalize(s) {
		t.Fatal("unjudged item should block")
	}

	// N/A counts as judged.
	if err := env.Engine.SetItemStatus(env.Ctx, s.ID, s.Items[1].ID, domain.ItemStatusNotApplicable, tester); err != nil {
		t.Fatal(err)
	}
	s, _ = env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if !engine.CanFinalize(s) {
		t.Fatal("N/A should satisfy the gate")
	}
}

func TestFinalize(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t)

	_, err := env.Engine.Finalize(env.Ctx, s.ID, "Bruno", false, tester)
	if !errors.Is(err, engine.ErrIncompleteValidation) {
		t.Fatalf("expected ErrIncompleteValidation, got %v", err)
	}

	env.judgeAll(t, s, domain.ItemStatusOK)
	if err := env.Engine.AttachEvidence(env.Ctx, s.ID, s.Items[0].ID, "print.png", []byte("data"), tester); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Finalize(env.Ctx, s.ID, "   ", false, tester); !errors.Is(err, engine.ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	// Auditors must confirm explicitly.
	if _, err := env.Engine.Finalize(env.Ctx, s.ID, "Ana", false, auditor); !errors.Is(err, engine.ErrMissingAuditorConfirmation) {
		t.Fatalf("expected ErrMissingAuditorConfirmation, got %v", err)
	}

	done, err := env.Engine.Finalize(env.Ctx, s.ID, "Bruno", false, tester)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.SessionCompleted {
		t.Fatalf("expected concluida, got %s", done.Status)
	}
	if done.EndTime == nil {
		t.Fatal("end time not set")
	}
	if done.ValidationStatus == nil || *done.ValidationStatus != domain.DraftStatusExecutada {
		t.Fatalf("expected EXECUTADA, got %v", done.ValidationStatus)
	}

	// Further mutation is rejected.
	err = env.Engine.SetItemStatus(env.Ctx, s.ID, s.Items[0].ID, domain.ItemStatusFailed, tester)
	if !errors.Is(err, engine.ErrSessionReadOnly) {
		t.Fatalf("expected ErrSessionReadOnly, got %v", err)
	}

	// The snapshot reaches history with previews but without raw evidence.
	hist, err := env.Engine.Repo.ListHistory(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected one history record, got %d", len(hist))
	}
	for _, it := range hist[0].Items {
		if len(it.Evidence) != 0 {
			t.Fatal("history must not carry raw evidence")
		}
	}
	if hist[0].Items[0].EvidencePreview == nil {
		t.Fatal("history lost the evidence preview")
	}

	// Double finalize is rejected.
	if _, err := env.Engine.Finalize(env.Ctx, s.ID, "Bruno", false, tester); !errors.Is(err, engine.ErrSessionReadOnly) {
		t.Fatalf("expected ErrSessionReadOnly, got %v", err)
	}
}

func TestEditWindow(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t)
	env.judgeAll(t, s, domain.ItemStatusOK)
	if err := env.Engine.AttachEvidence(env.Ctx, s.ID, s.Items[0].ID, "p.png", []byte("x"), tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, s.ID, "Bruno", false, tester); err != nil {
		t.Fatal(err)
	}

	// Just inside the window: reopen succeeds.
	env.advance(23*time.Hour + 59*time.Minute)
	got, err := env.Engine.Reopen(env.Ctx, s.ID, tester)
	if err != nil {
		t.Fatalf("reopen inside window: %v", err)
	}
	if got.Status != domain.SessionInProgress || got.EndTime != nil {
		t.Fatalf("reopen did not reset session: %+v", got)
	}

	if _, err := env.Engine.Finalize(env.Ctx, s.ID, "Bruno", false, tester); err != nil {
		t.Fatal(err)
	}

	// Re-finalizing replaces the history snapshot instead of duplicating it.
	history, err := env.Engine.ListHistory(env.Ctx, auditor)
	if err != nil {
		t.Fatal(err)
	}
	var copies int
	for _, h := range history {
		if h.ID == s.ID {
			copies++
			want := env.now.UTC().Format(time.RFC3339)
			if h.EndTime == nil || *h.EndTime != want {
				t.Fatalf("history end time %v, want %s", h.EndTime, want)
			}
		}
	}
	if copies != 1 {
		t.Fatalf("expected one history row for the session, got %d", copies)
	}

	// Just past the window: expired.
	env.advance(24*time.Hour + time.Second)
	_, err = env.Engine.Reopen(env.Ctx, s.ID, tester)
	var ewe engine.EditWindowExpiredError
	if !errors.As(err, &ewe) {
		t.Fatalf("expected EditWindowExpiredError, got %v", err)
	}
	err = env.Engine.SetComment(env.Ctx, s.ID, s.Items[0].ID, "tarde demais", tester)
	if !errors.As(err, &ewe) {
		t.Fatalf("expected EditWindowExpiredError on mutation, got %v", err)
	}
}

func TestEvidenceSizeCap(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Evidence.MaxBytes = 8
	s := env.startSession(t)
	err := env.Engine.AttachEvidence(env.Ctx, s.ID, s.Items[0].ID, "big.bin", []byte("123456789"), tester)
	if !errors.Is(err, engine.ErrEvidenceTooLarge) {
		t.Fatalf("expected ErrEvidenceTooLarge, got %v", err)
	}
	if err := env.Engine.AttachEvidence(env.Ctx, s.ID, s.Items[0].ID, "ok.bin", []byte("12345678"), tester); err != nil {
		t.Fatalf("at the cap: %v", err)
	}
	it, _ := env.Engine.Repo.GetItem(env.Ctx, s.ID, s.Items[0].ID)
	if it.EvidencePreview == nil || !strings.HasPrefix(*it.EvidencePreview, "data:") {
		t.Fatalf("missing data-URL preview: %v", it.EvidencePreview)
	}
}

func TestLegacySession(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.StartLegacySession(env.Ctx, engine.LegacyOptions{
		Division:    "Logística",
		System:      "Encomendas",
		Environment: "PRD",
		GMUDNumber:  "GMUD-1234",
	}, tester)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Items) != 12 {
		t.Fatalf("expected 12 canonical items, got %d", len(s.Items))
	}
	if s.GMUDNumber == nil || *s.GMUDNumber != "GMUD-1234" {
		t.Fatalf("gmud not carried: %v", s.GMUDNumber)
	}
	if s.StructureVersion != engine.StructureVersion {
		t.Fatalf("structure version %s", s.StructureVersion)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t)
	if err := env.Engine.SetItemStatus(env.Ctx, s.ID, s.Items[0].ID, domain.ItemStatusFailed, tester); err != nil {
		t.Fatal(err)
	}
	// Blank comments never reach the log.
	if err := env.Engine.SetComment(env.Ctx, s.ID, s.Items[0].ID, "   ", tester); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SetComment(env.Ctx, s.ID, s.Items[0].ID, "tela travou", tester); err != nil {
		t.Fatal(err)
	}

	entries, err := env.Engine.Audit.Query(env.Ctx, audit.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	var comments, statusChanges int
	for _, e := range entries {
		switch e.Action {
		case audit.ActionCommentAdded:
			comments++
		case audit.ActionStatusChanged:
			statusChanges++
			if e.ResultingStatus != domain.ItemStatusFailed {
				t.Errorf("resulting status %q", e.ResultingStatus)
			}
		}
	}
	if comments != 1 {
		t.Fatalf("expected exactly one comment event, got %d", comments)
	}
	if statusChanges != 1 {
		t.Fatalf("expected one status event, got %d", statusChanges)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID <= entries[i-1].ID {
			t.Fatal("entries not in insertion order")
		}
	}
}

func TestSessionReport(t *testing.T) {
	env := newTestEnv(t)
	s := env.startSession(t)
	env.judgeAll(t, s, domain.ItemStatusOK)
	if err := env.Engine.AttachEvidence(env.Ctx, s.ID, s.Items[0].ID, "print.png", []byte("data"), tester); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, s.ID, "Bruno", false, tester); err != nil {
		t.Fatal(err)
	}

	data, err := env.Engine.SessionReport(env.Ctx, s.ID, auditor)
	if err != nil {
		t.Fatal(err)
	}
	report := string(data)
	for _, want := range []string{"Assinatura: Bruno", "Sistema: Encomendas (QA)", s.Items[0].Item, "Evidência: anexada"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Contains(report, "Pendente") {
		t.Error("no item should be pending")
	}

	if _, err := env.Engine.SessionReport(env.Ctx, "missing", auditor); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
