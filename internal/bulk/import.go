package bulk

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/store"
	"github.com/ehr/fhirstore/internal/validation"
)

// Writer persists imported resources. *store.Store satisfies it; the engine
// wraps it to audit every write.
type Writer interface {
	Create(ctx context.Context, rt fhir.ResourceType, content fhir.Resource) (*store.Version, error)
	Update(ctx context.Context, rt fhir.ResourceType, id string, content fhir.Resource, expected *int) (*store.Version, error)
}

// LineResult is the outcome of one import line.
type LineResult struct {
	Line    int
	Type    fhir.ResourceType
	ID      string
	Version *store.Version
	Err     error
}

// ImportResult lists every line outcome in input order.
type ImportResult struct {
	Lines   []LineResult
	Created int
	Updated int
	Failed  int
}

// Outcome summarizes the import as an OperationOutcome with one issue per
// failed line.
func (r *ImportResult) Outcome() *fhir.OperationOutcome {
	severity := fhir.IssueSeverityInformation
	if r.Failed > 0 {
		severity = fhir.IssueSeverityWarning
	}
	b := fhir.NewOutcomeBuilder().AddIssue(severity, fhir.IssueTypeInformational,
		fmt.Sprintf("%d resources imported (%d created, %d updated), %d errors", r.Created+r.Updated, r.Created, r.Updated, r.Failed))
	for _, l := range r.Lines {
		if l.Err != nil {
			b.AddIssue(fhir.IssueSeverityError, fhir.IssueTypeProcessing, fmt.Sprintf("line %d: %v", l.Line, l.Err))
		}
	}
	return b.Build()
}

// Importer loads NDJSON records one at a time. Every line is validated and
// written on its own; a bad line never stops the rest.
type Importer struct {
	writer Writer
	gate   *validation.Gate
	logger zerolog.Logger
}

func NewImporter(w Writer, gate *validation.Gate, logger zerolog.Logger) *Importer {
	return &Importer{writer: w, gate: gate, logger: logger}
}

// Import reads r to the end. A record carrying an id is written under that
// id (upsert); one without is created with a fresh id. The returned error is
// only set when r itself cannot be read or ctx is done.
func (im *Importer) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	res := &ImportResult{}
	err := ScanLines(r, func(l Line) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := im.line(ctx, l)
		switch {
		case out.Err != nil:
			res.Failed++
			im.logger.Debug().Err(out.Err).Int("line", l.Number).Msg("import line rejected")
		case out.Version.VersionID == 1:
			res.Created++
		default:
			res.Updated++
		}
		res.Lines = append(res.Lines, out)
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("read import: %w", err)
	}
	im.logger.Info().Int("created", res.Created).Int("updated", res.Updated).Int("failed", res.Failed).Msg("import finished")
	return res, nil
}

func (im *Importer) line(ctx context.Context, l Line) LineResult {
	out := LineResult{Line: l.Number}
	res, err := fhir.ParseResource(l.Data)
	if err != nil {
		out.Err = fhir.Invalid("", "", "invalid JSON: %v", err)
		return out
	}
	out.Type = fhir.ResourceType(res.Type())
	out.ID = res.ID()
	if err := im.gate.Validate("", res); err != nil {
		out.Err = err
		return out
	}
	if out.ID != "" {
		out.Version, out.Err = im.writer.Update(ctx, out.Type, out.ID, res, nil)
	} else {
		out.Version, out.Err = im.writer.Create(ctx, out.Type, res)
	}
	if out.Version != nil {
		out.ID = out.Version.ID
	}
	return out
}
