package record

import "time"

// Field names shared by task and invoice records.
const (
	FieldID        = "id"
	FieldSerial    = "serial"
	FieldStatus    = "status"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldTrashed   = "trashed"
	FieldLockedBy  = "locked_by"

	FieldTitle       = "title"
	FieldDescription = "description"
	FieldNotes       = "notes"
	FieldAssignee    = "assignee"
	FieldCustomer    = "customer"
	FieldDueDate     = "due_date"

	FieldWorkItem          = "work_item"
	FieldCategory          = "category"
	FieldUnitPrice         = "unit_price"
	FieldQuantity          = "quantity"
	FieldPercentAdjustment = "percent_adjustment"
	FieldFlatAdjustment    = "flat_adjustment"
	FieldBaseAmount        = "base_amount"
	FieldTotalAmount       = "total_amount"
)

// Schema describes one record collection: its feed/table name and which
// fields are meaningful for change tracking.
type Schema struct {
	// Table is the collection name used by the store and the feed.
	Table string
	// Meaningful is the ordered allow-list of fields worth diffing.
	// Identifiers, status, timestamps and lock bookkeeping are excluded.
	Meaningful []string
	// SerialField holds the human-facing display serial.
	SerialField string
}

// TaskSchema is the allow-list for task records.
var TaskSchema = Schema{
	Table: "tasks",
	Meaningful: []string{
		FieldTitle,
		FieldDescription,
		FieldAssignee,
		FieldCustomer,
		FieldDueDate,
		FieldWorkItem,
		FieldCategory,
		FieldUnitPrice,
		FieldQuantity,
		FieldPercentAdjustment,
		FieldFlatAdjustment,
		FieldBaseAmount,
		FieldTotalAmount,
		FieldNotes,
	},
	SerialField: FieldSerial,
}

// InvoiceSchema is the allow-list for invoice records.
var InvoiceSchema = Schema{
	Table: "invoices",
	Meaningful: []string{
		FieldTitle,
		FieldCustomer,
		FieldDueDate,
		FieldWorkItem,
		FieldCategory,
		FieldUnitPrice,
		FieldQuantity,
		FieldPercentAdjustment,
		FieldFlatAdjustment,
		FieldBaseAmount,
		FieldTotalAmount,
		FieldNotes,
	},
	SerialField: FieldSerial,
}

// Serial returns the record's display serial, falling back to its ID.
func (s Schema) Serial(r Record) string {
	if s.SerialField != "" {
		if v := r.String(s.SerialField); v != "" {
			return "#" + v
		}
	}
	return r.ID
}

// Stamp formats a store timestamp for created_at/updated_at fields.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
