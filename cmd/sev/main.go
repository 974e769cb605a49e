package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sevtrack/internal/app"
	"sevtrack/internal/audit"
	"sevtrack/internal/config"
	"sevtrack/internal/db"
	"sevtrack/internal/domain"
	"sevtrack/internal/engine"
	"sevtrack/internal/migrate"
	"sevtrack/internal/repo"
	"sevtrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sev",
	Short: "SEV Tracker CLI",
	Long: `SEV Tracker records validation evidence with a tamper-evident audit log.
Core concepts:
- Workspace: your .sevtrack directory holding only the database; the catalog lives in sevtrack.yml or in the DB.
- Draft: an auditor assembles a validation (metadata, target systems, checklist fields) before any testing happens.
- Access key: issuing a key (VAL-...) freezes the draft's checklist and hands it to a tester.
- Session: a tester redeems the key and judges each item (OK, Falhou, Não se aplica), attaching evidence and comments.
- Finalize: every item judged plus at least one piece of evidence lets the tester sign off; the snapshot goes to history.
- Audit log: every meaningful action appends a record; query it with 'sev log list' and export with 'sev log export'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SEVTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user name")
	rootCmd.PersistentFlags().String("role", domain.RoleTester, "acting user role (testador, auditor, administrador)")
	rootCmd.PersistentFlags().String("department", "", "acting user department")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("department", rootCmd.PersistentFlags().Lookup("department"))
}

func registerCommands() {
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(fieldCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() domain.Identity {
	return domain.Identity{
		Name:       viper.GetString("user"),
		Role:       viper.GetString("role"),
		Department: viper.GetString("department"),
	}
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "draft",
		Short: "Manage validation drafts",
		Long:  "A draft collects the validation metadata, the target (system, environment) pairs, and the checklist before an access key is issued.",
	}
	d.AddCommand(draftCreateCmd())
	d.AddCommand(draftListCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftAddSystemCmd())
	d.AddCommand(draftRemoveSystemCmd())
	d.AddCommand(draftSystemsCmd())
	d.AddCommand(draftConfirmSystemsCmd())
	return d
}

func draftCreateCmd() *cobra.Command {
	var opts engine.DraftOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a validation draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDraft(ctx, opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "validation name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Type, "type", "", "validation type (catalog)")
	cmd.Flags().StringVar(&opts.Division, "division", "", "division (catalog)")
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "responsible person")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("division")
	_ = cmd.MarkFlagRequired("responsible")
	return cmd
}

func draftListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				drafts, err := e.Repo.ListDrafts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Division", "Status", "Created By"})
				for _, d := range drafts {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Type, d.Division, d.Status, d.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func draftShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <draft-id>",
		Short: "Show a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDraft(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	return cmd
}

func draftAddSystemCmd() *cobra.Command {
	var system, environment string
	cmd := &cobra.Command{
		Use:   "add-system <draft-id>",
		Short: "Add a system/environment pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.AddSystem(ctx, args[0], system, environment, actor()); err != nil {
					return err
				}
				systems, err := e.Repo.ListDraftSystems(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(systems)
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system name")
	cmd.Flags().StringVar(&environment, "env", "", "environment name")
	_ = cmd.MarkFlagRequired("system")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func draftRemoveSystemCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "remove-system <draft-id>",
		Short: "Remove a pair by position (zero-based)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveSystem(ctx, args[0], index, actor())
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "position to remove")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}

func draftSystemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systems <draft-id>",
		Short: "List selected pairs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				systems, err := e.Repo.ListDraftSystems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(systems)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "System", "Environment"})
				for i, s := range systems {
					tw.AppendRow(table.Row{i, s.System, s.Environment})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func draftConfirmSystemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm-systems <draft-id>",
		Short: "Confirm the selection set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ConfirmSelection(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	return cmd
}

func fieldCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "field",
		Short: "Edit a draft's checklist fields",
		Long:  "Fields are the checklist rows a tester will judge. Order is always renumbered 1..N after any change.",
	}
	f.AddCommand(fieldAddCmd())
	f.AddCommand(fieldListCmd())
	f.AddCommand(fieldRemoveCmd())
	f.AddCommand(fieldMoveCmd())
	f.AddCommand(fieldConfirmCmd())
	return f
}

func fieldAddCmd() *cobra.Command {
	var opts engine.FieldOptions
	cmd := &cobra.Command{
		Use:   "add <draft-id>",
		Short: "Add a checklist field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.AddField(ctx, args[0], opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrIndent(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "field name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "field description")
	cmd.Flags().StringVar(&opts.Type, "type", "checkbox", "field type (text, checkbox, select, file)")
	cmd.Flags().BoolVar(&opts.Required, "required", false, "required field")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func fieldListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <draft-id>",
		Short: "List checklist fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fields, err := e.Repo.ListFields(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Order", "ID", "Name", "Type", "Required"})
				for _, f := range fields {
					tw.AppendRow(table.Row{f.Order, f.ID, f.Name, f.Type, f.Required})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func fieldRemoveCmd() *cobra.Command {
	var fieldID string
	cmd := &cobra.Command{
		Use:   "remove <draft-id>",
		Short: "Remove a checklist field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveField(ctx, args[0], fieldID, actor())
			})
		},
	}
	cmd.Flags().StringVar(&fieldID, "id", "", "field id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func fieldMoveCmd() *cobra.Command {
	var index int
	var direction string
	cmd := &cobra.Command{
		Use:   "move <draft-id>",
		Short: "Move a field up or down (boundary moves are no-ops)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var err error
				switch direction {
				case "up":
					err = e.MoveFieldUp(ctx, args[0], index, actor())
				case "down":
					err = e.MoveFieldDown(ctx, args[0], index, actor())
				default:
					return fmt.Errorf("--direction must be up or down")
				}
				if err != nil {
					return err
				}
				fields, err := e.Repo.ListFields(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(fields)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "field position (zero-based)")
	cmd.Flags().StringVar(&direction, "direction", "", "up or down")
	_ = cmd.MarkFlagRequired("direction")
	return cmd
}

func fieldConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <draft-id>",
		Short: "Confirm the checklist structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ConfirmFields(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Issue and redeem access keys",
		Long:  "An access key freezes a configured draft and carries it to the tester. Redeeming starts a live session.",
	}
	k.AddCommand(keyIssueCmd())
	k.AddCommand(keyPendingCmd())
	k.AddCommand(keyRedeemCmd())
	return k
}

func keyIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <draft-id>",
		Short: "Issue an access key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.IssueKey(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Access key: %s\n", p.AccessKey)
				fmt.Printf("Systems: %d, Fields: %d\n", len(p.Systems), len(p.Fields))
				return nil
			})
		},
	}
	return cmd
}

func keyPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List validations awaiting a tester",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Access Key", "Draft", "Created By", "Created At", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.AccessKey, p.DraftID, p.CreatedBy, p.CreatedAt, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keyRedeemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redeem <access-key>",
		Short: "Redeem an access key and start a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RedeemKey(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session: %s\n", s.ID)
				printItems(s.Items)
				return nil
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Inspect and close sessions",
	}
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionStartLegacyCmd())
	s.AddCommand(sessionFinalizeCmd())
	s.AddCommand(sessionReopenCmd())
	s.AddCommand(sessionReportCmd())
	return s
}

func sessionReportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Export a session as a plaintext report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := e.SessionReport(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err := os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "output file ('-' for stdout)")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s (%s) %s/%s, started %s\n", s.ID, s.Status, s.System, s.Environment, s.StartTime)
				fmt.Printf("Editable: %v, Can finalize: %v\n", e.IsEditable(s), engine.CanFinalize(s))
				printItems(s.Items)
				return nil
			})
		},
	}
	return cmd
}

func sessionStartLegacyCmd() *cobra.Command {
	var opts engine.LegacyOptions
	cmd := &cobra.Command{
		Use:   "start-legacy",
		Short: "Start a session from the canonical checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartLegacySession(ctx, opts, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session: %s (%d items)\n", s.ID, len(s.Items))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Division, "division", "", "division")
	cmd.Flags().StringVar(&opts.System, "system", "", "system")
	cmd.Flags().StringVar(&opts.Environment, "env", "", "environment")
	cmd.Flags().StringVar(&opts.GMUDNumber, "gmud", "", "GMUD change number")
	_ = cmd.MarkFlagRequired("division")
	_ = cmd.MarkFlagRequired("system")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func sessionFinalizeCmd() *cobra.Command {
	var signature string
	var auditorConfirmed bool
	cmd := &cobra.Command{
		Use:   "finalize <session-id>",
		Short: "Finalize a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Finalize(ctx, args[0], signature, auditorConfirmed, actor())
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "digital signature (full name)")
	cmd.Flags().BoolVar(&auditorConfirmed, "confirm", false, "explicit confirmation (auditors and admins)")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func sessionReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen <session-id>",
		Short: "Reopen a concluded session inside the edit window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Reopen(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrIndent(s)
			})
		},
	}
	return cmd
}

func itemCmd() *cobra.Command {
	i := &cobra.Command{
		Use:   "item",
		Short: "Judge checklist items",
	}
	i.AddCommand(itemStatusCmd())
	i.AddCommand(itemEvidenceCmd())
	i.AddCommand(itemCommentCmd())
	return i
}

func itemStatusCmd() *cobra.Command {
	var sessionID, status string
	cmd := &cobra.Command{
		Use:   "status <item-id>",
		Short: "Set an item's judgement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetItemStatus(ctx, sessionID, args[0], status, actor())
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&status, "status", "", `judgement: "OK", "Falhou", "Não se aplica" or "" to clear`)
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func itemEvidenceCmd() *cobra.Command {
	var sessionID, file string
	cmd := &cobra.Command{
		Use:   "evidence <item-id>",
		Short: "Attach an evidence file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AttachEvidence(ctx, sessionID, args[0], file, data, actor())
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&file, "file", "", "evidence file path")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func itemCommentCmd() *cobra.Command {
	var sessionID, text string
	cmd := &cobra.Command{
		Use:   "comment <item-id>",
		Short: "Set an item's comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetComment(ctx, sessionID, args[0], text, actor())
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finalized validations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.ListHistory(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "System", "Environment", "Started", "Ended", "Items"})
				for _, s := range sessions {
					ended := ""
					if s.EndTime != nil {
						ended = *s.EndTime
					}
					tw.AppendRow(table.Row{s.ID, s.User, s.System, s.Environment, s.StartTime, ended, len(s.Items)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The append-only diary of everything that happened: creations, judgements, uploads, finalizations.",
	}
	l.AddCommand(logListCmd())
	l.AddCommand(logExportCmd())
	return l
}

func logFlags(cmd *cobra.Command, user, department, dateStart, dateEnd, system, env, action *string) {
	cmd.Flags().StringVar(user, "user", "", "user substring (case-insensitive)")
	cmd.Flags().StringVar(department, "dept", "", "department substring (case-insensitive)")
	cmd.Flags().StringVar(dateStart, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(dateEnd, "to", "", "end date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(system, "system", "", "system (exact)")
	cmd.Flags().StringVar(env, "env", "", "environment (exact)")
	cmd.Flags().StringVar(action, "action", "", "action constant (exact)")
}

func parseLogFilters(user, department, dateStart, dateEnd, system, env, action string) (audit.Filters, error) {
	f := audit.Filters{
		User:        user,
		Department:  department,
		System:      system,
		Environment: env,
		Action:      action,
	}
	if dateStart != "" {
		t, err := time.Parse("2006-01-02", dateStart)
		if err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
		f.DateStart = &t
	}
	if dateEnd != "" {
		t, err := time.Parse("2006-01-02", dateEnd)
		if err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
		f.DateEnd = &t
	}
	return f, nil
}

func logListCmd() *cobra.Command {
	var user, department, dateStart, dateEnd, system, env, action string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseLogFilters(user, department, dateStart, dateEnd, system, env, action)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.Query(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "User", "Action", "System", "Env", "Validation", "Details"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.Timestamp, en.User, audit.DisplayName(en.Action), en.System, en.Environment, en.ValidationID, en.Details})
				}
				tw.Render()
				return nil
			})
		},
	}
	logFlags(cmd, &user, &department, &dateStart, &dateEnd, &system, &env, &action)
	return cmd
}

func logExportCmd() *cobra.Command {
	var user, department, dateStart, dateEnd, system, env, action string
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the filtered audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, err := parseLogFilters(user, department, dateStart, dateEnd, system, env, action)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.Query(ctx, filters)
				if err != nil {
					return err
				}
				data, err := audit.Export(entries, format)
				if err != nil {
					return err
				}
				who := actor()
				if err := e.Audit.AppendStandalone(ctx, audit.Entry{
					User:       who.Name,
					Department: who.Department,
					Action:     audit.ActionReportExported,
					Details:    fmt.Sprintf("Exportação de log: %s, Registros: %d", format, len(entries)),
				}); err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err := os.Stdout.Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	logFlags(cmd, &user, &department, &dateStart, &dateEnd, &system, &env, &action)
	cmd.Flags().StringVar(&format, "format", audit.FormatCSV, "csv, tsv or report")
	cmd.Flags().StringVar(&out, "out", "-", "output file ('-' for stdout)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "The catalog of validation types, divisions, systems and environments, plus the evidence size cap and the edit window. Lives in sevtrack.yml or in the DB.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default sevtrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "default", "workspace id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorName, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorName == "" {
				actorName = viper.GetString("user")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorName: actorName,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Printf("API key (store it now, it is not shown again): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorName, "actor", "", "acting user the key maps to (defaults to --user)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created At"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorName, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorName, "actor", "", "filter by acting user")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveWorkspaceConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SEVTRACK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SEVTRACK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving SEV Tracker API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveWorkspaceConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printItems(items []domain.ValidationItem) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Order", "ID", "Item", "Status", "Evidence", "Comment"})
	for _, it := range items {
		ev := ""
		if it.EvidencePreview != nil || len(it.Evidence) > 0 {
			ev = "yes"
		}
		tw.AppendRow(table.Row{it.Order, it.ID, it.Item, it.Status, ev, it.Comment})
	}
	tw.Render()
}
