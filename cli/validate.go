package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bazaarvoice/qtype/core"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a QType document without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	_, diags, err := compile(filePath)
	if err != nil {
		return loadFailure(filePath, err)
	}

	if format == "json" {
		printDiagnosticsJSON(out, diags)
	} else {
		printDiagnosticsText(out, diags)
	}

	hasErrs := diags.HasErrors()
	hasWarns := len(diags.Warnings()) > 0
	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// printDiagnosticsText writes diagnostics as formatted text lines
// followed by a summary. Used by both the validate and run commands.
func printDiagnosticsText(w io.Writer, diags core.Diagnostics) {
	for _, d := range diags {
		sev := strings.ToUpper(string(d.Severity))
		loc := d.Location.String()
		switch {
		case d.Path != "" && loc != "":
			fmt.Fprintf(w, "%s [%s]: %s (at %s, %s)\n", sev, d.Code, d.Message, d.Path, loc)
		case d.Path != "":
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		default:
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := diags.Errors()
	warns := diags.Warnings()
	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0 && len(warns) > 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func printDiagnosticsJSON(w io.Writer, diags core.Diagnostics) {
	if diags == nil {
		diags = core.Diagnostics{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
