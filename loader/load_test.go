package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bazaarvoice/qtype/core"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("QTYPE_TEST_MODEL", "gpt4")
	dir := t.TempDir()
	path := writeFile(t, dir, "app.qtype.yaml", "model: ${QTYPE_TEST_MODEL}\nregion: ${QTYPE_TEST_REGION:-us-east-1}\n")

	tree, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var doc map[string]string
	if err := tree.Root.Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["model"] != "gpt4" {
		t.Errorf("model = %q, want %q", doc["model"], "gpt4")
	}
	if doc["region"] != "us-east-1" {
		t.Errorf("region = %q, want default %q", doc["region"], "us-east-1")
	}
}

func TestLoad_EnvUnresolved(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.qtype.yaml", "model: ${QTYPE_TEST_DEFINITELY_UNSET}\n")

	_, _, err := Load(path)
	var loadErr *core.LoaderError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Load error = %v, want LoaderError", err)
	}
	if loadErr.Code != core.LoaderEnvVarUnresolved {
		t.Errorf("code = %q, want %q", loadErr.Code, core.LoaderEnvVarUnresolved)
	}
}

func TestLoad_Include(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "models.yaml", "- id: gpt4\n  provider: openai\n")
	writeFile(t, dir, "prompt.txt", "You are a helpful assistant.")
	path := writeFile(t, dir, "app.qtype.yaml", "models: !include models.yaml\nsystem: !include_raw prompt.txt\n")

	tree, sm, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var doc struct {
		Models []map[string]string `yaml:"models"`
		System string              `yaml:"system"`
	}
	if err := tree.Root.Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Models) != 1 || doc.Models[0]["id"] != "gpt4" {
		t.Errorf("models = %v, want one entry with id gpt4", doc.Models)
	}
	if doc.System != "You are a helpful assistant." {
		t.Errorf("system = %q, want raw prompt text", doc.System)
	}
	if len(sm) == 0 {
		t.Error("source map is empty")
	}
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "sub: !include b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "sub: !include a.yaml\n")

	_, _, err := Load(path)
	var loadErr *core.LoaderError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Load error = %v, want LoaderError", err)
	}
	if loadErr.Code != core.LoaderIncludeCycle {
		t.Errorf("code = %q, want %q", loadErr.Code, core.LoaderIncludeCycle)
	}
}

func TestLoad_SourceMapLocations(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "app.qtype.yaml", "id: demo\nmodels:\n  - id: gpt4\n")

	tree, sm, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loc := sm.Locate(tree.Root)
	if loc.File != path {
		t.Errorf("root location file = %q, want %q", loc.File, path)
	}
	if loc.Line != 1 {
		t.Errorf("root location line = %d, want 1", loc.Line)
	}
}

func TestLoad_DecodeFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "a: [unclosed\n")

	_, _, err := Load(path)
	var loadErr *core.LoaderError
	if !errors.As(err, &loadErr) {
		t.Fatalf("Load error = %v, want LoaderError", err)
	}
	if loadErr.Code != core.LoaderDecodeFailed {
		t.Errorf("code = %q, want %q", loadErr.Code, core.LoaderDecodeFailed)
	}
}
