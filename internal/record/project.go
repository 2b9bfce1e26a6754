package record

import "strings"

// Project table and taxonomy table names.
const (
	TableProjects     = "projects"
	TableProjectTypes = "project_types"
	TableFields       = "project_fields"
)

// ProjectRequired lists the project columns that must be set before a row may
// be written.
var ProjectRequired = []string{"charge_code", "title", "pi_id", "type_id"}

// Project is one row of the projects table, keyed by charge code.
type Project struct {
	ID          int64
	TASID       int64
	ChargeCode  string
	Title       string
	Description string
	Nickname    string
	PIID        *int64
	TypeID      *int64
	FieldID     *int64
}

func (p Project) Table() string      { return TableProjects }
func (p Project) LocalID() int64     { return p.ID }
func (p Project) NaturalKey() string { return strings.TrimSpace(p.ChargeCode) }

func (p Project) Columns() []Column {
	return []Column{
		{"tas_project_id", p.TASID},
		{"charge_code", p.ChargeCode},
		{"title", p.Title},
		{"description", p.Description},
		{"nickname", p.Nickname},
		{"pi_id", Value(p.PIID)},
		{"type_id", Value(p.TypeID)},
		{"field_id", Value(p.FieldID)},
	}
}

func (p Project) Missing() []string {
	return missingOf(p.Columns(), ProjectRequired)
}

// Taxon is a row of one of the project taxonomy tables (types or fields).
type Taxon struct {
	ID   int64
	Name string
}
