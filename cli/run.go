package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bazaarvoice/qtype/interpreter"
	"github.com/bazaarvoice/qtype/ir"
	"github.com/bazaarvoice/qtype/model"
	"github.com/bazaarvoice/qtype/secretref"
	"github.com/bazaarvoice/qtype/telemetry"
)

// NewRunCmd creates the "run" subcommand: compile a document and
// execute one of its flows end to end. Model entities bind to the
// deterministic stub provider unless the embedding application wires
// real ones, so documents are runnable offline.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow from a QType document",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("flow", "", "Flow id to run (default: the document's first flow)")
	cmd.Flags().StringArray("input", nil, "Flow input as name=value (repeatable)")
	cmd.Flags().String("input-json", "", "Flow inputs as a JSON object")
	cmd.Flags().String("session", "", "Session id for conversational flows")
	cmd.Flags().Duration("timeout", 0, "Per-flow timeout (0 = none)")
	cmd.Flags().Bool("events", false, "Print the streaming event feed")
	cmd.Flags().Bool("telemetry", false, "Export spans to the document's telemetry sink")
	cmd.Flags().String("secrets-file", "", "JSON secrets file for secret references")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	out := cmd.OutOrStdout()

	sem, diags, err := compile(filePath)
	if err != nil {
		return loadFailure(filePath, err)
	}
	if diags.HasErrors() {
		printDiagnosticsText(out, diags)
		return exitError(exitValidation, "document failed validation")
	}

	flowID, _ := cmd.Flags().GetString("flow")
	if flowID == "" {
		flows := sem.Flows()
		if len(flows) == 0 {
			return exitError(exitValidation, "document declares no flows")
		}
		flowID = flows[0].ID
	}

	inputs, err := gatherInputs(cmd)
	if err != nil {
		return err
	}

	secretsFile, _ := cmd.Flags().GetString("secrets-file")
	secrets := secretref.Default(secretsFile)

	cfg := interpreter.Config{
		Providers: stubProviders(sem),
		Secrets:   secrets,
	}
	if showEvents, _ := cmd.Flags().GetBool("events"); showEvents {
		cfg.Events = func(e interpreter.Event) {
			if e.StepID != "" {
				fmt.Fprintf(out, "event %-22s step=%s\n", e.Kind, e.StepID)
			} else {
				fmt.Fprintf(out, "event %-22s\n", e.Kind)
			}
		}
	}

	ctx := cmd.Context()
	if useTelemetry, _ := cmd.Flags().GetBool("telemetry"); useTelemetry {
		sinks := sem.Application().Telemetry
		if len(sinks) == 0 {
			return exitError(exitValidation, "document declares no telemetry sink")
		}
		sink := sinks[0]
		auth, _ := sem.Auth(sink.Auth)
		handler, shutdown, err := telemetry.Setup(ctx, sink, secrets, auth)
		if err != nil {
			return exitError(exitRunFailed, "telemetry setup: %v", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
		cfg.Events = interpreter.MultiEventHandler(cfg.Events, handler)
	}

	interp := interpreter.New(sem, cfg)

	sessionID, _ := cmd.Flags().GetString("session")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	started := time.Now()
	result, err := interp.Run(ctx, flowID, inputs, interpreter.RunOptions{
		SessionID: sessionID,
		Timeout:   timeout,
	})
	if err != nil {
		return exitError(exitRunFailed, "run failed: %v", err)
	}

	succeeded, failed := 0, 0
	for _, m := range result.Messages {
		if m.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	fmt.Fprintf(out, "Flow %q finished in %s: %d %s, %d failed\n",
		flowID,
		humanize.RelTime(started, time.Now(), "", ""),
		succeeded, pluralize("message", succeeded), failed)

	if len(result.Outputs) > 0 {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result.Outputs)
	}
	for _, m := range result.Messages {
		if m.Failed() {
			fmt.Fprintf(out, "failed message: %s\n", m.Error.Error())
		}
	}
	return nil
}

// gatherInputs merges --input-json and repeated --input flags, the
// latter winning on conflicts.
func gatherInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}
	if raw, _ := cmd.Flags().GetString("input-json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
			return nil, exitError(exitValidation, "parsing --input-json: %v", err)
		}
	}
	pairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, exitError(exitValidation, "--input must be name=value, got %q", pair)
		}
		inputs[name] = value
	}
	return inputs, nil
}

// stubProviders binds every model provider name the document mentions to
// the deterministic stub, keeping the CLI runnable without network
// credentials. Embedding applications construct the Interpreter with
// real providers instead.
func stubProviders(sem *ir.SemanticIR) map[string]model.Provider {
	stub := model.NewStubProvider(nil)
	providers := map[string]model.Provider{}
	for _, m := range sem.Application().Models {
		if m.Provider != "" {
			providers[m.Provider] = stub
		}
		providers[m.ID] = stub
	}
	return providers
}
