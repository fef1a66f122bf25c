package cli

import (
	"errors"
	"os"

	"github.com/bazaarvoice/qtype/checker"
	"github.com/bazaarvoice/qtype/core"
	"github.com/bazaarvoice/qtype/dsl"
	"github.com/bazaarvoice/qtype/ir"
	"github.com/bazaarvoice/qtype/loader"
)

// compile runs the document pipeline up to the Semantic IR: load, parse,
// link, check. Load failures surface as an error; parse/link/check
// findings come back as diagnostics, and the IR is nil whenever those
// diagnostics contain an error.
func compile(path string) (*ir.SemanticIR, core.Diagnostics, error) {
	tree, sm, err := loader.Load(path)
	if err != nil {
		return nil, nil, err
	}
	doc, diags := dsl.Parse(tree, sm)
	if diags.HasErrors() {
		return nil, diags, nil
	}
	sem, checkDiags := checker.Check(doc)
	diags = append(diags, checkDiags...)
	if diags.HasErrors() {
		return nil, diags, nil
	}
	return sem, diags, nil
}

// loadFailure maps a loader error onto the right exit error.
func loadFailure(path string, err error) error {
	var loadErr *core.LoaderError
	if errors.As(err, &loadErr) && loadErr.Code == core.LoaderIOFailed {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", path)
		}
	}
	return exitError(exitValidation, "%v", err)
}
