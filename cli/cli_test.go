package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func writeDoc(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.qtype.yaml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

const validDoc = `
id: demo
models:
  - id: gpt4
    type: generative
    provider: openai
flows:
  - id: main
    variables:
      - id: question
        type: text
    inputs: [question]
    outputs: [ask.response]
    steps:
      - id: ask
        type: LLMInference
        model: gpt4
        inputs: [question]
`

const invalidDoc = `
id: broken
flows:
  - id: main
    steps:
      - id: ask
        type: LLMInference
        model: no_such_model
`

func execute(cmd *cobra.Command, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidate_ValidDocument(t *testing.T) {
	path := writeDoc(t, validDoc)
	out, err := execute(NewValidateCmd(), path)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Valid!") {
		t.Errorf("output = %q, want Valid!", out)
	}
}

func TestValidate_InvalidDocument(t *testing.T) {
	path := writeDoc(t, invalidDoc)
	out, err := execute(NewValidateCmd(), path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("validate error = %v, want ExitError", err)
	}
	if exitErr.Code != exitValidation {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitValidation)
	}
	if !strings.Contains(out, "RefUnresolved") {
		t.Errorf("output = %q, want RefUnresolved diagnostic", out)
	}
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := execute(NewValidateCmd(), filepath.Join(t.TempDir(), "nope.yaml"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("validate error = %v, want ExitError", err)
	}
	if exitErr.Code != exitFileNotFound {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitFileNotFound)
	}
}

func TestValidate_JSONOutput(t *testing.T) {
	path := writeDoc(t, invalidDoc)
	out, _ := execute(NewValidateCmd(), path, "--format", "json")
	if !strings.Contains(out, `"Code"`) {
		t.Errorf("json output = %q, want diagnostic objects", out)
	}
}

func TestRun_StubProvider(t *testing.T) {
	path := writeDoc(t, validDoc)
	out, err := execute(NewRunCmd(), path, "--flow", "main", "--input", "question=hello")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ask.response") {
		t.Errorf("output = %q, want the flow's outputs", out)
	}
}

func TestRun_Events(t *testing.T) {
	path := writeDoc(t, validDoc)
	out, err := execute(NewRunCmd(), path, "--input", "question=hi", "--events")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"start-step", "text-delta", "finish-step", "finish"} {
		if !strings.Contains(out, want) {
			t.Errorf("event feed missing %q:\n%s", want, out)
		}
	}
}

func TestRun_InvalidDocument(t *testing.T) {
	path := writeDoc(t, invalidDoc)
	_, err := execute(NewRunCmd(), path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("run error = %v, want ExitError", err)
	}
	if exitErr.Code != exitValidation {
		t.Errorf("exit code = %d, want %d", exitErr.Code, exitValidation)
	}
}
