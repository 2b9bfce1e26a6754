package normalize

import (
	"context"
	"log/slog"
	"time"

	"github.com/chameleoncloud/portalsync/internal/fieldmap"
	"github.com/chameleoncloud/portalsync/internal/lookup"
	"github.com/chameleoncloud/portalsync/internal/record"
	"github.com/chameleoncloud/portalsync/internal/tas"
)

// TAS keys read outside the field maps.
const (
	sourceType        = "type"
	sourceField       = "field"
	sourcePI          = "piId"
	sourceRequestor   = "requestorId"
	sourceReviewer    = "reviewerId"
	sourceChargeCode  = "project"
	sourceProjectID   = "projectId"
	sourceBibtex      = "bibtex"
	sourceNickname    = "nickname"
	sourceProjectCode = "chargeCode"
)

// Resolver resolves TAS user ids to local users.
type Resolver interface {
	Resolve(ctx context.Context, sourceID int64) (lookup.Resolution, error)
}

// Outcome says whether a normalized record may be reconciled.
type Outcome struct {
	Reasons []string
}

// Valid reports whether the record passed every check.
func (o Outcome) Valid() bool { return len(o.Reasons) == 0 }

// Invalid returns an outcome carrying reasons.
func Invalid(reasons ...string) Outcome { return Outcome{Reasons: reasons} }

// Options configures a Normalizer for one run.
type Options struct {
	Users    Resolver
	Taxonomy *Taxonomy

	// Projects maps charge codes to local project ids.
	Projects map[string]int64

	// Nicknames maps TAS project ids to the nickname already stored locally.
	Nicknames map[int64]string

	Logger *slog.Logger
}

// Normalizer builds Local Store rows from TAS records.
type Normalizer struct {
	users     Resolver
	taxonomy  *Taxonomy
	projects  map[string]int64
	nicknames map[int64]string
	logger    *slog.Logger
}

// New returns a Normalizer for one run.
func New(opts Options) *Normalizer {
	n := &Normalizer{
		users:     opts.Users,
		taxonomy:  opts.Taxonomy,
		projects:  opts.Projects,
		nicknames: opts.Nicknames,
		logger:    opts.Logger,
	}
	if n.taxonomy == nil {
		n.taxonomy = NewTaxonomy(nil, nil, nil)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

var allocationFields = []fieldmap.Field[record.Allocation]{
	fieldmap.New("status", "status", fieldmap.Lower, func(a *record.Allocation, v string) { a.Status = v }).Require(),
	fieldmap.New("resource", "resource", fieldmap.String, func(a *record.Allocation, v string) { a.Resource = v }).Require(),
	fieldmap.New("justification", "justification", fieldmap.String, func(a *record.Allocation, v string) { a.Justification = v }),
	fieldmap.New("decisionSummary", "decision_summary", fieldmap.String, func(a *record.Allocation, v string) { a.DecisionSummary = v }),
	fieldmap.New("start", "start_date", fieldmap.Time, func(a *record.Allocation, v *time.Time) { a.StartDate = v }),
	fieldmap.New("end", "end_date", fieldmap.Time, func(a *record.Allocation, v *time.Time) { a.EndDate = v }),
	fieldmap.New("dateRequested", "date_requested", fieldmap.Time, func(a *record.Allocation, v *time.Time) { a.DateRequested = v }),
	fieldmap.New("dateReviewed", "date_reviewed", fieldmap.Time, func(a *record.Allocation, v *time.Time) { a.DateReviewed = v }),
	fieldmap.New("computeRequested", "su_requested", fieldmap.Float, func(a *record.Allocation, v float64) { a.SURequested = v }),
	fieldmap.New("computeAllocated", "su_allocated", fieldmap.Float, func(a *record.Allocation, v float64) { a.SUAllocated = v }),
	fieldmap.New("computeUsed", record.ColSUUsed, fieldmap.Float, func(a *record.Allocation, v float64) { a.SUUsed = v }),
}

var projectFields = []fieldmap.Field[record.Project]{
	fieldmap.New("id", "tas_project_id", fieldmap.Int, func(p *record.Project, v int64) { p.TASID = v }),
	fieldmap.New(sourceProjectCode, "charge_code", fieldmap.String, func(p *record.Project, v string) { p.ChargeCode = v }).Require(),
	fieldmap.New("title", "title", fieldmap.String, func(p *record.Project, v string) { p.Title = v }).Require(),
	fieldmap.New("description", "description", fieldmap.String, func(p *record.Project, v string) { p.Description = v }),
	fieldmap.New(sourceNickname, "nickname", fieldmap.String, func(p *record.Project, v string) { p.Nickname = v }),
}

var publicationFields = []fieldmap.Field[record.Publication]{
	fieldmap.New(sourceProjectID, "tas_project_id", fieldmap.Int, func(p *record.Publication, v int64) { p.TASProjectID = v }).Require(),
	fieldmap.New("title", "title", fieldmap.String, func(p *record.Publication, v string) { p.Title = v }),
	fieldmap.New("author", "author", fieldmap.String, func(p *record.Publication, v string) { p.Author = v }),
	fieldmap.New("year", "year", fieldmap.String, func(p *record.Publication, v string) { p.Year = v }),
	fieldmap.New(sourceBibtex, "bibtex", fieldmap.String, func(p *record.Publication, v string) { p.Bibtex = v }),
}

// Allocation normalizes one TAS allocation. The record's "project" key holds
// the charge code of the owning project.
func (n *Normalizer) Allocation(ctx context.Context, src tas.Record) (record.Allocation, Outcome, error) {
	a, report := fieldmap.Map(src, allocationFields)
	n.logFieldErrors("allocation", src, report)

	if code, ok := src.String(sourceChargeCode); ok {
		a.ProjectID = n.projects[code]
	}

	var err error
	if a.RequestorID, err = n.resolve(ctx, src, sourceRequestor); err != nil {
		return a, Outcome{}, err
	}
	if a.ReviewerID, err = n.resolve(ctx, src, sourceReviewer); err != nil {
		return a, Outcome{}, err
	}

	return a, n.check("allocation", src, report, a), nil
}

// Project normalizes one TAS project. Type and field names must already be
// in the taxonomy (see TaxonomyPrepass).
func (n *Normalizer) Project(ctx context.Context, src tas.Record) (record.Project, Outcome, error) {
	p, report := fieldmap.Map(src, projectFields)
	n.logFieldErrors("project", src, report)

	var err error
	if p.PIID, err = n.resolve(ctx, src, sourcePI); err != nil {
		return p, Outcome{}, err
	}

	if name, ok := src.String(sourceType); ok {
		if id, found := n.taxonomy.TypeID(name); found {
			p.TypeID = &id
		} else {
			n.logger.Warn("unknown project type", "charge_code", p.ChargeCode, "type", name)
		}
	}
	if name, ok := src.String(sourceField); ok && cleanName(name) != "" {
		if id, found := n.taxonomy.FieldID(n.taxonomy.CanonicalField(name)); found {
			p.FieldID = &id
		} else {
			n.logger.Warn("unknown project field", "charge_code", p.ChargeCode, "field", name)
		}
	}

	if p.Nickname == "" {
		if nick, ok := n.nicknames[p.TASID]; ok && nick != "" {
			p.Nickname = nick
		} else {
			p.Nickname = p.ChargeCode
		}
	}

	return p, n.check("project", src, report, p), nil
}

// Publication normalizes one TAS publication. The record's "projectId" key
// holds the TAS project id and "project" the charge code.
func (n *Normalizer) Publication(ctx context.Context, src tas.Record) (record.Publication, Outcome, error) {
	p, report := fieldmap.Map(src, publicationFields)
	n.logFieldErrors("publication", src, report)

	if code, ok := src.String(sourceChargeCode); ok {
		if id, found := n.projects[code]; found {
			p.ProjectID = &id
		}
	}

	if p.Bibtex != "" {
		entry, err := ParseBibtex(p.Bibtex)
		if err != nil {
			n.logger.Warn("unparseable bibtex", "tas_project_id", p.TASProjectID, "title", p.Title, "error", err)
		} else {
			p.PublicationType = entry.Type
			p.Month = GetMonth(entry.Fields["month"])
			p.Forum = GetForum(entry.Fields)
			p.Link = GetLink(entry.Fields)
			if p.Title == "" {
				p.Title = stripBraces(entry.Fields["title"])
			}
			if p.Author == "" {
				p.Author = stripBraces(entry.Fields["author"])
			}
			if p.Year == "" {
				p.Year = stripBraces(entry.Fields["year"])
			}
		}
	}

	return p, n.check("publication", src, report, p), nil
}

// resolve looks up the TAS user id stored at key. Absent, zero or unmatched
// ids resolve to nil.
func (n *Normalizer) resolve(ctx context.Context, src tas.Record, key string) (*int64, error) {
	sourceID, ok := src.Int(key)
	if !ok || sourceID <= 0 {
		return nil, nil
	}
	r, err := n.users.Resolve(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return r.Ptr(), nil
}

// check combines mapping failures with the row's empty required columns.
func (n *Normalizer) check(entity string, src tas.Record, report fieldmap.Report, row record.Row) Outcome {
	seen := make(map[string]bool)
	var reasons []string
	for _, col := range append(report.Missing, row.Missing()...) {
		if !seen[col] {
			seen[col] = true
			reasons = append(reasons, "missing "+col)
		}
	}
	if len(reasons) == 0 {
		return Outcome{}
	}
	n.logger.Warn("dropping invalid record", "entity", entity, "source_id", sourceID(src), "reasons", reasons)
	return Invalid(reasons...)
}

func (n *Normalizer) logFieldErrors(entity string, src tas.Record, report fieldmap.Report) {
	for _, fe := range report.Errors {
		n.logger.Warn("field transform failed", "entity", entity, "source_id", sourceID(src), "error", fe)
	}
}

func sourceID(src tas.Record) int64 {
	id, _ := src.Int("id")
	return id
}
