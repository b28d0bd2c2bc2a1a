package teleplay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSplitFrontMatter(t *testing.T) {
	meta, body, err := SplitFrontMatter("---\ntitle: Login Drill\nconsole: rest\nauthor: ranger\n---\n# Body\n")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"title": "Login Drill", "console": "rest", "author": "ranger"}
	if diff := cmp.Diff(want, meta); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}
	if body != "# Body\n" {
		t.Errorf("body = %q", body)
	}
}

func TestSplitFrontMatterVerbatim(t *testing.T) {
	for _, tc := range []struct {
		name   string
		header string
		want   map[string]string
	}{
		{
			name:   "yaml scalars keep their text",
			header: "title: T\nversion: 1.10\nBuildTag: ABC\nenabled: yes\nwhen: 2024-01-02\nempty:\n",
			want:   map[string]string{"title": "T", "version": "1.10", "BuildTag": "ABC", "enabled": "yes", "when": "2024-01-02", "empty": ""},
		},
		{
			name:   "colon in value",
			header: "title: T\nversion: 1.10\nBuildTag: ABC\nnote: a: b\n",
			want:   map[string]string{"title": "T", "version": "1.10", "BuildTag": "ABC", "note": "a: b"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			meta, body, err := SplitFrontMatter("---\n" + tc.header + "---\nbody\n")
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, meta); diff != "" {
				t.Errorf("meta mismatch (-want +got):\n%s", diff)
			}
			if body != "body\n" {
				t.Errorf("body = %q", body)
			}
		})
	}
}

func TestKnownKeysIgnoreCase(t *testing.T) {
	meta, _, err := SplitFrontMatter("---\nTitle: Drill\nConsole: rest\nBuildTag: ABC\n---\n")
	if err != nil {
		t.Fatal(err)
	}
	doc := &Document{Name: "drill", Meta: meta}
	if doc.Title() != "Drill" {
		t.Errorf("Title() = %q", doc.Title())
	}
	if got := Value(meta, ConsoleKey); got != "rest" {
		t.Errorf("console = %q", got)
	}
	if diff := cmp.Diff([]string{"BuildTag: ABC"}, doc.Extras()); diff != "" {
		t.Errorf("Extras() mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitFrontMatterAbsent(t *testing.T) {
	meta, body, err := SplitFrontMatter("# Just a body\n---\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(meta) != 0 || body != "# Just a body\n---\n" {
		t.Errorf("got %v, %q", meta, body)
	}
}

func TestSplitFrontMatterUnterminated(t *testing.T) {
	if _, _, err := SplitFrontMatter("---\ntitle: x\n"); err == nil {
		t.Error("expected error for unterminated front-matter")
	}
}

func TestIncludeExpansion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "parts/login.md", "```wait\n10\n```\n")
	main := writeFile(t, dir, "main.md", "start\n[#include](parts/login.md)\nend\n")

	got, err := Flatten(main, "")
	if err != nil {
		t.Fatal(err)
	}
	inc := filepath.Join(dir, "parts/login.md")
	want := "start\n<!-- BEGIN include: " + inc + " -->\n```wait\n10\n```\n<!-- END include: " + inc + " -->\nend\n"
	if got != want {
		t.Errorf("Flatten() =\n%s\nwant\n%s", got, want)
	}
	if blocks := script.Parse(got); len(blocks) != 1 || blocks[0].Kind != script.Wait {
		t.Errorf("flattened text parsed to %+v", blocks)
	}
}

func TestIncludeRelativeToIncluder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/b/leaf.md", "leaf")
	writeFile(t, dir, "a/mid.md", "[#include](b/leaf.md)")
	main := writeFile(t, dir, "main.md", "[#include](a/mid.md)")

	got, err := Flatten(main, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "\nleaf\n") {
		t.Errorf("nested include not expanded: %q", got)
	}
}

func TestCommentedIncludeNotExpanded(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.md", "<!-- [#include](missing.md) -->\nbody\n")

	got, err := Flatten(main, "")
	if err != nil {
		t.Fatalf("commented include should be ignored: %v", err)
	}
	if got != "<!-- [#include](missing.md) -->\nbody\n" {
		t.Errorf("comment not restored verbatim: %q", got)
	}
}

func TestVariantIncludePreferred(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "setup.md", "generic")
	writeFile(t, dir, "setup.ngc.md", "variant")
	writeFile(t, dir, "other.md", "fallback")
	main := writeFile(t, dir, "main.md", "[#include](setup.md)\n[#include](other.md)\n")

	got, err := Flatten(main, "ngc")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "\nvariant\n") || strings.Contains(got, "\ngeneric\n") {
		t.Errorf("variant file not preferred: %q", got)
	}
	if !strings.Contains(got, "\nfallback\n") {
		t.Errorf("fallback include missing: %q", got)
	}
}

func TestMissingInclude(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.md", "[#include](nowhere.md)")
	_, err := Flatten(main, "x")
	if !errors.Is(err, ErrIncludeMissing) {
		t.Errorf("got %v, want ErrIncludeMissing", err)
	}
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "loop.md", "again\n[#include](loop.md)\n")
	reify := filepath.Join(dir, "out", "teleplay.md")

	_, err := Load(main, Options{ReifyPath: reify})
	if !errors.Is(err, ErrIncludeDepth) {
		t.Fatalf("got %v, want ErrIncludeDepth", err)
	}
	if _, statErr := os.Stat(reify); !os.IsNotExist(statErr) {
		t.Errorf("nothing should be reified for a broken document")
	}
}

func TestIncludeDepthLimitInclusive(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= MaxIncludeDepth; i++ {
		next := ""
		if i < MaxIncludeDepth {
			next = "[#include](" + nameFor(i+1) + ")"
		}
		writeFile(t, dir, nameFor(i), "level\n"+next)
	}
	main := writeFile(t, dir, "main.md", "[#include]("+nameFor(1)+")")
	if _, err := Flatten(main, ""); err != nil {
		t.Errorf("depth %d should be allowed: %v", MaxIncludeDepth, err)
	}
}

func nameFor(i int) string {
	return "level" + string(rune('a'+i)) + ".md"
}

func TestLoadReifiesAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inc.md", "```wait\n5\n```")
	main := writeFile(t, dir, "drill.md", "---\ntitle: Drill\nweather: fog\n---\n[#include](inc.md)\n```bash\necho ok\n```\n")
	reify := filepath.Join(dir, "vivarium", "encounter.drill.teleplay.md")

	first, err := Load(main, Options{ReifyPath: reify})
	if err != nil {
		t.Fatal(err)
	}
	firstBytes, err := os.ReadFile(reify)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load(main, Options{ReifyPath: reify})
	if err != nil {
		t.Fatal(err)
	}
	secondBytes, err := os.ReadFile(reify)
	if err != nil {
		t.Fatal(err)
	}
	if string(firstBytes) != string(secondBytes) || first.Text != second.Text {
		t.Errorf("flattening is not idempotent")
	}
	if string(firstBytes) != first.Text {
		t.Errorf("reified file differs from document text")
	}
	if first.Name != "drill" || first.Title() != "Drill" {
		t.Errorf("name %q title %q", first.Name, first.Title())
	}
	if diff := cmp.Diff([]string{"weather: fog"}, first.Extras()); diff != "" {
		t.Errorf("Extras() mismatch (-want +got):\n%s", diff)
	}
	kinds := []script.Kind{}
	for _, b := range first.Blocks {
		kinds = append(kinds, b.Kind)
	}
	if diff := cmp.Diff([]script.Kind{script.Wait, script.Bash}, kinds); diff != "" {
		t.Errorf("block kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioName(t *testing.T) {
	if got := ScenarioName("/x/y/first-contact.md"); got != "first-contact" {
		t.Errorf("ScenarioName() = %q", got)
	}
}
