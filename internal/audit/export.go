package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"sevtrack/internal/domain"
)

// Export formats. Each keeps every input entry exactly once, in input order.
const (
	FormatCSV    = "csv"
	FormatTSV    = "tsv"
	FormatReport = "report"
)

var exportHeaders = []string{"Timestamp", "User", "Department", "Action", "System", "Environment", "ValidationId", "ResultingStatus", "Details"}

// bom marks exports as UTF-8 for spreadsheet tools.
const bom = "\uFEFF"

// Export serializes entries to the requested format.
func Export(entries []domain.AuditEntry, format string) ([]byte, error) {
	switch format {
	case FormatCSV:
		return exportCSV(entries)
	case FormatTSV:
		return exportTSV(entries), nil
	case FormatReport:
		return exportReport(entries), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func exportRow(e domain.AuditEntry) []string {
	return []string{
		e.Timestamp,
		e.User,
		e.Department,
		DisplayName(e.Action),
		orDash(e.System),
		orDash(e.Environment),
		orDash(e.ValidationID),
		orDash(e.ResultingStatus),
		orDash(e.Details),
	}
}

// exportCSV writes quoted comma-separated records prefixed with a UTF-8 BOM
// so spreadsheet tools pick up the encoding.
func exportCSV(entries []domain.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(bom)
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeaders); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.Write(exportRow(e)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exportTSV(entries []domain.AuditEntry) []byte {
	var buf bytes.Buffer
	buf.WriteString(bom)
	buf.WriteString(strings.Join(exportHeaders, "\t"))
	buf.WriteByte('\n')
	for _, e := range entries {
		buf.WriteString(strings.Join(exportRow(e), "\t"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func exportReport(entries []domain.AuditEntry) []byte {
	var buf bytes.Buffer
	buf.WriteString("SEV Tracker - Audit Log Report\n")
	fmt.Fprintf(&buf, "Generated: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "Entries: %d\n\n", len(entries))
	buf.WriteString(strings.Repeat("=", 100))
	buf.WriteString("\n\n")
	for _, e := range entries {
		fmt.Fprintf(&buf, "Timestamp: %s\n", e.Timestamp)
		fmt.Fprintf(&buf, "User: %s (%s)\n", e.User, e.Department)
		fmt.Fprintf(&buf, "Action: %s\n", DisplayName(e.Action))
		if e.System != "" {
			fmt.Fprintf(&buf, "System: %s\n", e.System)
		}
		if e.Environment != "" {
			fmt.Fprintf(&buf, "Environment: %s\n", e.Environment)
		}
		if e.ValidationID != "" {
			fmt.Fprintf(&buf, "ValidationId: %s\n", e.ValidationID)
		}
		if e.ResultingStatus != "" {
			fmt.Fprintf(&buf, "ResultingStatus: %s\n", e.ResultingStatus)
		}
		if e.Details != "" {
			fmt.Fprintf(&buf, "Details: %s\n", e.Details)
		}
		buf.WriteString(strings.Repeat("-", 100))
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
