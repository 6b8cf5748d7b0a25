// Package testsupport provides golden-file snapshot testing for evaluation
// harness transcripts.
package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// UpdateGolden is set via the UPDATE_GOLDEN=1 env var to regenerate golden
// files instead of comparing against them.
var UpdateGolden = os.Getenv("UPDATE_GOLDEN") == "1"

// Golden compares actual test output against a stored golden file.
type Golden struct {
	t    *testing.T
	dir  string
	name string
}

// NewGolden stores golden files under testdata/golden/<test name>.golden.
func NewGolden(t *testing.T) *Golden {
	t.Helper()
	dir := filepath.Join("testdata", "golden")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("testsupport: create golden dir: %v", err)
	}
	return &Golden{t: t, dir: dir, name: sanitizeTestName(t.Name())}
}

// Assert compares actual against the golden file for this test.
func (g *Golden) Assert(actual string) {
	g.t.Helper()
	g.assertNamed("", actual)
}

// AssertNamed compares actual against a named golden file, for tests that
// make more than one golden assertion.
func (g *Golden) AssertNamed(name, actual string) {
	g.t.Helper()
	g.assertNamed(name, actual)
}

// AssertJSON pretty-prints actual as JSON before comparing.
func (g *Golden) AssertJSON(actual any) {
	g.t.Helper()
	pretty, err := json.MarshalIndent(actual, "", "  ")
	if err != nil {
		g.t.Fatalf("testsupport: marshal golden JSON: %v", err)
	}
	g.assertNamed(".json", string(pretty))
}

func (g *Golden) assertNamed(name, actual string) {
	g.t.Helper()
	filename := g.goldenPath(name)

	if UpdateGolden {
		if err := os.WriteFile(filename, []byte(actual), 0o644); err != nil {
			g.t.Fatalf("testsupport: update golden file %s: %v", filename, err)
		}
		g.t.Logf("updated golden file: %s", filename)
		return
	}

	expected, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			g.t.Fatalf("golden file %s does not exist; rerun with UPDATE_GOLDEN=1 to create it.\n\nactual:\n%s", filename, actual)
		}
		g.t.Fatalf("testsupport: read golden file %s: %v", filename, err)
	}
	if string(expected) != actual {
		g.t.Errorf("golden file mismatch %s\n\nexpected:\n%s\n\nactual:\n%s", filename, string(expected), actual)
	}
}

func (g *Golden) goldenPath(suffix string) string {
	if suffix == "" {
		return filepath.Join(g.dir, g.name+".golden")
	}
	return filepath.Join(g.dir, g.name+suffix)
}

func sanitizeTestName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(name)
}
