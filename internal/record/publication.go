package record

import (
	"strconv"
	"strings"
)

// TablePublications is the publications table name.
const TablePublications = "publications"

// PublicationRequired lists the publication columns that must be set before a
// row may be written.
var PublicationRequired = []string{"tas_project_id", "title", "author", "year", "publication_type"}

// Publication is one row of the publications table.
type Publication struct {
	ID              int64
	TASProjectID    int64
	ProjectID       *int64
	Title           string
	Author          string
	Year            string
	PublicationType string
	Month           *int64
	Forum           string
	Link            string
	Bibtex          string
}

func (p Publication) Table() string  { return TablePublications }
func (p Publication) LocalID() int64 { return p.ID }

// NaturalKey is the source project id plus the case-folded title. The project
// id alone cannot tell apart several publications of the same project.
func (p Publication) NaturalKey() string {
	title := strings.Join(strings.Fields(Fold(p.Title)), " ")
	return strconv.FormatInt(p.TASProjectID, 10) + "/" + title
}

func (p Publication) Columns() []Column {
	return []Column{
		{"tas_project_id", p.TASProjectID},
		{"project_id", Value(p.ProjectID)},
		{"title", p.Title},
		{"author", p.Author},
		{"year", p.Year},
		{"publication_type", p.PublicationType},
		{"month", Value(p.Month)},
		{"forum", p.Forum},
		{"link", p.Link},
		{"bibtex", p.Bibtex},
	}
}

func (p Publication) Missing() []string {
	return missingOf(p.Columns(), PublicationRequired)
}
