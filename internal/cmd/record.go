package cmd

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/coedit/internal/editor"
	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/record"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"records"},
	Short:   "Create, edit and inspect records",
	Long: `Record runs one editing client against the configured backend.

Edits go through the same path as an interactive client: the field lock
is acquired, derived pricing fields are recalculated, the change is
written and an audit entry is appended. An edit fails fast when another
actor holds the field.

Examples:
  coedit record create --set title="Fix roof" --set work_item=WI-100 --set quantity=3
  coedit record edit task-1 quantity 4 --actor ana
  coedit record show task-1`,
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	Args:  cobra.NoArgs,
	RunE:  runRecordList,
}

var recordShowCmd = &cobra.Command{
	Use:   "show RECORD",
	Short: "Show every field of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordShow,
}

var recordCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a record",
	Args:  cobra.NoArgs,
	RunE:  runRecordCreate,
}

var recordEditCmd = &cobra.Command{
	Use:   "edit RECORD FIELD VALUE",
	Short: "Set one field of a record",
	Args:  cobra.ExactArgs(3),
	RunE:  runRecordEdit,
}

var recordTrashCmd = &cobra.Command{
	Use:   "trash RECORD",
	Short: "Move a record to the trash",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordTrash,
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete RECORD",
	Short: "Delete a record permanently",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordDelete,
}

var (
	recordTable string
	recordActor string
	recordSet   []string
)

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordListCmd, recordShowCmd, recordCreateCmd, recordEditCmd, recordTrashCmd, recordDeleteCmd)

	recordCmd.PersistentFlags().StringVar(&recordTable, "table", record.TaskSchema.Table, "Record table (tasks or invoices)")
	recordCmd.PersistentFlags().StringVar(&recordActor, "actor", "cli", "Actor the edits are attributed to")
	recordCreateCmd.Flags().StringArrayVar(&recordSet, "set", nil, "Field assignment FIELD=VALUE (repeatable)")
}

// schemaFor resolves a table name to its schema.
func schemaFor(table string) (record.Schema, error) {
	for _, s := range []record.Schema{record.TaskSchema, record.InvoiceSchema} {
		if s.Table == table {
			return s, nil
		}
	}
	return record.Schema{}, fmt.Errorf("unknown table %q", table)
}

var numericFields = []string{
	record.FieldUnitPrice,
	record.FieldQuantity,
	record.FieldPercentAdjustment,
	record.FieldFlatAdjustment,
}

var (
	moneyCodec = editor.DecimalCodec{Places: 2}
	textCodec  = editor.TextCodec{Trim: true, EmptyAsNil: true}
)

// encodeField converts command line text to the stored value of field.
func encodeField(field, raw string) (any, error) {
	if slices.Contains(numericFields, field) {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number: %w", field, raw, editor.ErrInvalidValue)
		}
		return moneyCodec.Encode(d)
	}
	return textCodec.Encode(raw)
}

// withClient opens the backend and runs fn with an editing client for
// the selected table and actor.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client) error) error {
	schema, err := schemaFor(recordTable)
	if err != nil {
		return err
	}
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		c, err := b.newClient(ctx, schema, recordActor)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(context.WithoutCancel(ctx)); err != nil {
				b.logger.Warn("close client", "error", err)
			}
		}()
		reportEvents(cmd.OutOrStdout(), c.bus)
		return fn(ctx, c)
	})
}

// reportEvents prints the commit messages and warnings a client produces.
func reportEvents(out io.Writer, bus *event.Bus) {
	bus.Subscribe(event.TypeRecordCommitted, func(e event.Event) {
		if ev, ok := e.(event.RecordCommittedEvent); ok && ev.Message != "" {
			fmt.Fprintln(out, ev.Message)
		}
	})
	bus.Subscribe(event.TypeRecalculationMiss, func(e event.Event) {
		if ev, ok := e.(event.RecalculationMissEvent); ok {
			fmt.Fprintf(out, "Warning: no catalog price for work item %q; amounts cleared\n", ev.WorkItem)
		}
	})
	bus.Subscribe(event.TypeAuditFailed, func(e event.Event) {
		fmt.Fprintln(out, "Warning: the change was saved but its audit entry was not")
	})
}

func runRecordList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client) error {
		if err := c.cache.Resync(ctx); err != nil {
			return err
		}
		recs := c.cache.List()
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No records")
			return nil
		}
		fmt.Fprintf(out, "%-8s %-14s %-30s %-12s %s\n", "SERIAL", "ID", "TITLE", "STATUS", "TOTAL")
		for _, r := range recs {
			fmt.Fprintf(out, "%-8s %-14s %-30s %-12s %s\n",
				"#"+record.Format(r.Get(record.FieldSerial)), r.ID,
				truncate(r.String(record.FieldTitle), 30), r.String(record.FieldStatus),
				record.Format(r.Get(record.FieldTotalAmount)))
		}
		return nil
	})
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func runRecordShow(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client) error {
		r, err := c.svc.Get(ctx, args[0])
		if err != nil {
			return err
		}
		printRecord(cmd.OutOrStdout(), newStyles(cmd.OutOrStdout()), r, c)
		return nil
	})
}

func printRecord(out io.Writer, st styles, r record.Record, c *client) {
	st.section(out, "Record "+r.ID)
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := record.Format(r.Fields[k])
		if owner, ok := c.svc.LockedBy(r.ID, k); ok {
			v += st.muted.Render(" (editing: " + owner + ")")
		}
		st.row(out, k, v)
	}
}

func runRecordCreate(cmd *cobra.Command, args []string) error {
	fields := make(map[string]any, len(recordSet))
	for _, kv := range recordSet {
		k, raw, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("--set %q: want FIELD=VALUE", kv)
		}
		v, err := encodeField(k, raw)
		if err != nil {
			return err
		}
		fields[k] = v
	}
	return withClient(cmd, func(ctx context.Context, c *client) error {
		r, err := c.svc.Create(ctx, fields)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s (#%s)\n", r.ID, record.Format(r.Get(record.FieldSerial)))
		return nil
	})
}

func runRecordEdit(cmd *cobra.Command, args []string) error {
	recordID, field, raw := args[0], args[1], args[2]
	return withClient(cmd, func(ctx context.Context, c *client) error {
		if _, err := c.svc.Get(ctx, recordID); err != nil {
			return err
		}
		if err := c.svc.Open(ctx, recordID); err != nil {
			return err
		}
		sess := c.svc.Session(recordID, field)
		if slices.Contains(numericFields, field) {
			d, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%s: %q is not a number: %w", field, raw, editor.ErrInvalidValue)
			}
			return commitBinding(ctx, editor.Bind(sess, editor.Codec[decimal.Decimal](moneyCodec)), d)
		}
		return commitBinding(ctx, editor.Bind(sess, editor.Codec[string](textCodec)), raw)
	})
}

// commitBinding edits through b the way a keyboard user would: begin,
// type, press enter. A failed step cancels so no lock is left behind.
func commitBinding[T any](ctx context.Context, b *editor.Binding[T], v T) error {
	if err := b.Begin(ctx, editor.TriggerKeyboard); err != nil {
		return err
	}
	if err := b.Set(v); err != nil {
		_ = b.Cancel(ctx, editor.TriggerKeyboard)
		return err
	}
	if err := b.Commit(ctx, editor.TriggerKeyboard); err != nil {
		_ = b.Cancel(ctx, editor.TriggerProgrammatic)
		return err
	}
	return nil
}

func runRecordTrash(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client) error {
		if err := c.svc.Trash(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Trashed %s\n", args[0])
		return nil
	})
}

func runRecordDelete(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client) error {
		if err := c.svc.Delete(ctx, args[0]); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return fmt.Errorf("record %s does not exist", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	})
}
