// Package teleplay turns a scenario document into its flattened form: front-matter
// removed, includes expanded, and every block parsed.
package teleplay

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// MaxIncludeDepth bounds include nesting; deeper chains are assumed to be cycles.
	MaxIncludeDepth = 10

	TitleKey   = "title"
	ConsoleKey = "console"
	VariantKey = "variant"
)

var (
	ErrIncludeDepth   = errors.New("include depth exceeded")
	ErrIncludeMissing = errors.New("include not found")

	knownKeys = map[string]bool{TitleKey: true, ConsoleKey: true, VariantKey: true}

	includePattern = regexp.MustCompile(`\[#include\]\(([^)\s]+)\)`)
	commentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
	maskPattern    = regexp.MustCompile("\x00mask([0-9]+)\x00")
)

type Options struct {
	// Variant is the active simulator variant. Includes try name.<Variant>.ext first.
	Variant string
	// ReifyPath receives the flattened text before anything executes. Empty skips it.
	ReifyPath string
}

type Document struct {
	Path   string
	Name   string
	Meta   map[string]string
	Text   string
	Blocks []script.Block
}

// Title returns the front-matter title, or the scenario name.
func (d *Document) Title() string {
	if t := Value(d.Meta, TitleKey); t != "" {
		return t
	}
	return d.Name
}

// Extras returns the unknown front-matter keys as sorted "key: value" strings.
func (d *Document) Extras() []string {
	var result []string
	for k, v := range d.Meta {
		if !knownKeys[strings.ToLower(k)] {
			result = append(result, fmt.Sprintf("%s: %s", k, v))
		}
	}
	sort.Strings(result)
	return result
}

// ScenarioName is the base name of path without its extension.
func ScenarioName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads, flattens, reifies, and parses the scenario at path.
func Load(path string, opts Options) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, observatory.WithStack(err)
	}
	meta, body, err := SplitFrontMatter(string(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "front-matter of %s", path)
	}
	variant := opts.Variant
	if variant == "" {
		variant = meta[VariantKey]
	}
	text, err := expand(body, filepath.Dir(path), variant, 0)
	if err != nil {
		return nil, err
	}
	if opts.ReifyPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.ReifyPath), 0755); err != nil {
			return nil, observatory.WithStack(err)
		}
		if err := os.WriteFile(opts.ReifyPath, []byte(text), 0644); err != nil {
			return nil, observatory.WithStack(err)
		}
	}
	return &Document{
		Path:   path,
		Name:   ScenarioName(path),
		Meta:   meta,
		Text:   text,
		Blocks: script.Parse(text),
	}, nil
}

// Flatten returns the include-expanded body of the document at path.
func Flatten(path string, variant string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", observatory.WithStack(err)
	}
	_, body, err := SplitFrontMatter(string(raw))
	if err != nil {
		return "", errors.Wrapf(err, "front-matter of %s", path)
	}
	return expand(body, filepath.Dir(path), variant, 0)
}

// SplitFrontMatter removes a leading ---delimited metadata block from text.
// Text without one yields empty metadata and the text unchanged.
func SplitFrontMatter(text string) (map[string]string, string, error) {
	meta := map[string]string{}
	text = strings.TrimPrefix(text, "\ufeff")
	first, rest, found := strings.Cut(text, "\n")
	if !found || strings.TrimRight(first, "\r ") != "---" {
		return meta, text, nil
	}
	var header []string
	for {
		line, remainder, more := strings.Cut(rest, "\n")
		if strings.TrimRight(line, "\r ") == "---" {
			rest = remainder
			break
		}
		if !more {
			return nil, "", errors.New("unterminated front-matter")
		}
		header = append(header, line)
		rest = remainder
	}
	if parsed, ok := scalarMapping(header); ok {
		return parsed, rest, nil
	}
	for _, line := range header {
		k, v, found := strings.Cut(line, ":")
		if k = strings.TrimSpace(k); !found || k == "" || strings.HasPrefix(k, "#") {
			continue
		}
		meta[k] = strings.TrimSpace(v)
	}
	return meta, rest, nil
}

// scalarMapping reads header as a flat YAML mapping, keeping every key as
// written and every value as its source text. It fails for anything else.
func scalarMapping(header []string) (map[string]string, bool) {
	doc := yaml.Node{}
	if err := yaml.Unmarshal([]byte(strings.Join(header, "\n")), &doc); err != nil {
		return nil, false
	}
	meta := map[string]string{}
	if len(doc.Content) == 0 {
		return meta, true
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, false
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i], mapping.Content[i+1]
		if key.Kind != yaml.ScalarNode || value.Kind != yaml.ScalarNode {
			return nil, false
		}
		meta[key.Value] = value.Value
	}
	return meta, true
}

// Value looks key up in meta ignoring case.
func Value(meta map[string]string, key string) string {
	if v, found := meta[key]; found {
		return v
	}
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// mask replaces every comment range with a placeholder so includes inside
// comments are never expanded.
func mask(text string) (string, []string) {
	var comments []string
	masked := commentPattern.ReplaceAllStringFunc(text, func(c string) string {
		comments = append(comments, c)
		return fmt.Sprintf("\x00mask%d\x00", len(comments)-1)
	})
	return masked, comments
}

func unmask(text string, comments []string) string {
	return maskPattern.ReplaceAllStringFunc(text, func(m string) string {
		var idx int
		fmt.Sscanf(maskPattern.FindStringSubmatch(m)[1], "%d", &idx)
		if idx < len(comments) {
			return comments[idx]
		}
		return m
	})
}

// resolve finds the variant-specific file for rel, falling back to rel itself.
func resolve(dir, rel, variant string) (string, error) {
	candidate := filepath.Join(dir, rel)
	tried := []string{}
	if variant != "" {
		ext := filepath.Ext(candidate)
		variantPath := strings.TrimSuffix(candidate, ext) + "." + variant + ext
		tried = append(tried, variantPath)
		if info, err := os.Stat(variantPath); err == nil && !info.IsDir() {
			return variantPath, nil
		}
	}
	tried = append(tried, candidate)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}
	return "", errors.Wrapf(ErrIncludeMissing, "%s (tried %s)", rel, strings.Join(tried, ", "))
}

func expand(text string, dir string, variant string, depth int) (string, error) {
	masked, comments := mask(text)
	var firstErr error
	expanded := includePattern.ReplaceAllStringFunc(masked, func(directive string) string {
		if firstErr != nil {
			return directive
		}
		rel := includePattern.FindStringSubmatch(directive)[1]
		if depth+1 > MaxIncludeDepth {
			firstErr = errors.Wrapf(ErrIncludeDepth, "including %s at depth %d", rel, depth+1)
			return directive
		}
		path, err := resolve(dir, rel, variant)
		if err != nil {
			firstErr = err
			return directive
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			firstErr = observatory.WithStack(err)
			return directive
		}
		_, body, err := SplitFrontMatter(string(raw))
		if err != nil {
			firstErr = errors.Wrapf(err, "front-matter of %s", path)
			return directive
		}
		content, err := expand(body, filepath.Dir(path), variant, depth+1)
		if err != nil {
			firstErr = err
			return directive
		}
		return fmt.Sprintf("<!-- BEGIN include: %s -->\n%s\n<!-- END include: %s -->", path, strings.TrimRight(content, "\n"), path)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return unmask(expanded, comments), nil
}
