package audit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"sevtrack/internal/audit"
	"sevtrack/internal/db"
	"sevtrack/internal/domain"
	"sevtrack/internal/migrate"
)

func newStore(t *testing.T) (*audit.Store, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &audit.Store{DB: conn}, context.Background()
}

func seed(t *testing.T, s *audit.Store, ctx context.Context, entries []audit.Entry, times []time.Time) {
	t.Helper()
	for i, e := range entries {
		ts := times[i]
		s.Now = func() time.Time { return ts }
		if err := s.AppendStandalone(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	s, ctx := newStore(t)
	day1 := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	day1Late := time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC)
	day2 := time.Date(2024, 3, 11, 0, 0, 1, 0, time.UTC)
	seed(t, s, ctx, []audit.Entry{
		{User: "Maria Silva", Department: "Qualidade", Action: audit.ActionValidationStarted, System: "Encomendas", Environment: "QA", ValidationID: "v1"},
		{User: "joão pereira", Department: "TI", Action: audit.ActionStatusChanged, System: "Encomendas", Environment: "HMG", ResultingStatus: "OK"},
		{User: "Maria Silva", Department: "Qualidade", Action: audit.ActionValidationClosed, System: "Jornada Digital", Environment: "QA"},
	}, []time.Time{day1, day1Late, day2})

	// Unfiltered: all entries, insertion order.
	all, err := s.Query(ctx, audit.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatal("not in insertion order")
		}
	}

	// User substring match is case-insensitive.
	got, _ := s.Query(ctx, audit.Filters{User: "maria"})
	if len(got) != 2 {
		t.Fatalf("user filter: expected 2, got %d", len(got))
	}
	got, _ = s.Query(ctx, audit.Filters{User: "PEREIRA"})
	if len(got) != 1 {
		t.Fatalf("uppercase user filter: expected 1, got %d", len(got))
	}

	// Department substring.
	got, _ = s.Query(ctx, audit.Filters{Department: "qual"})
	if len(got) != 2 {
		t.Fatalf("department filter: expected 2, got %d", len(got))
	}

	// DateEnd is inclusive through end of day.
	end := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	got, _ = s.Query(ctx, audit.Filters{DateEnd: &end})
	if len(got) != 2 {
		t.Fatalf("date end filter: expected 2 (whole day), got %d", len(got))
	}

	// DateStart excludes earlier entries.
	start := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	got, _ = s.Query(ctx, audit.Filters{DateStart: &start})
	if len(got) != 1 {
		t.Fatalf("date start filter: expected 1, got %d", len(got))
	}

	// Exact filters.
	got, _ = s.Query(ctx, audit.Filters{System: "Encomendas"})
	if len(got) != 2 {
		t.Fatalf("system filter: expected 2, got %d", len(got))
	}
	got, _ = s.Query(ctx, audit.Filters{Action: audit.ActionStatusChanged})
	if len(got) != 1 || got[0].ResultingStatus != "OK" {
		t.Fatalf("action filter: %v", got)
	}

	// Filters combine with AND.
	got, _ = s.Query(ctx, audit.Filters{User: "maria", Environment: "QA", System: "Encomendas"})
	if len(got) != 1 || got[0].ValidationID != "v1" {
		t.Fatalf("combined filter: %v", got)
	}

	// No match yields an empty slice, not nil.
	got, err = s.Query(ctx, audit.Filters{User: "ninguém"})
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("empty result: %v %v", got, err)
	}
}

func TestAppendRequiresAction(t *testing.T) {
	s, ctx := newStore(t)
	if err := s.AppendStandalone(ctx, audit.Entry{User: "x"}); err == nil {
		t.Fatal("expected error for missing action")
	}
}

func TestExportCSV(t *testing.T) {
	entries, _ := exportFixture(t)
	data, err := audit.Export(entries, audit.FormatCSV)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "\uFEFF") {
		t.Fatal("missing UTF-8 BOM")
	}
	lines := strings.Split(strings.TrimRight(strings.TrimPrefix(text, "\uFEFF"), "\n"), "\n")
	if lines[0] != "Timestamp,User,Department,Action,System,Environment,ValidationId,ResultingStatus,Details" {
		t.Fatalf("header: %s", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	// Action uses the display name, missing values become dashes.
	if !strings.Contains(lines[1], "Início de Validação") {
		t.Fatalf("row 1 missing display name: %s", lines[1])
	}
	if !strings.Contains(lines[2], "-,-,-") {
		t.Fatalf("row 2 missing dashes: %s", lines[2])
	}
}

func TestExportTSVAndReport(t *testing.T) {
	entries, _ := exportFixture(t)
	data, err := audit.Export(entries, audit.FormatTSV)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("tsv lines: %d", len(lines))
	}
	if got := len(strings.Split(lines[1], "\t")); got != 9 {
		t.Fatalf("tsv columns: %d", got)
	}

	report, err := audit.Export(entries, audit.FormatReport)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(report), "Entries: 2") {
		t.Fatalf("report summary missing: %s", report)
	}

	if _, err := audit.Export(entries, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func exportFixture(t *testing.T) ([]domain.AuditEntry, context.Context) {
	t.Helper()
	s, ctx := newStore(t)
	t1 := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	seed(t, s, ctx, []audit.Entry{
		{User: "Maria", Department: "Qualidade", Action: audit.ActionValidationStarted, System: "Encomendas", Environment: "QA", ValidationID: "v1", Details: "Validação criada"},
		{User: "Bruno", Department: "TI", Action: audit.ActionLogin},
	}, []time.Time{t1, t2})
	entries, err := s.Query(ctx, audit.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	return entries, ctx
}
