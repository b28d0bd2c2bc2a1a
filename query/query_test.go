package query

import (
	"testing"

	"github.com/pkg/errors"
)

func mustNew(t *testing.T, contains, query string) *Predicate {
	t.Helper()
	p, err := New(contains, query)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRequiresExactlyOne(t *testing.T) {
	if _, err := New("", ""); !errors.Is(err, ErrNoPredicate) {
		t.Errorf("got %v, want ErrNoPredicate", err)
	}
	if _, err := New("a", "true"); !errors.Is(err, ErrBothPredicates) {
		t.Errorf("got %v, want ErrBothPredicates", err)
	}
}

func TestMatch(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contains string
		query    string
		line     string
		want     bool
		diag     bool
	}{
		{name: "substring", contains: "Login OK", line: `{"sig":"Login OK"}`, want: true},
		{name: "substring miss", contains: "Logout", line: "LOGIN ok", want: false},
		{name: "attribute", query: `entry.sig == "LOGIN"`, line: `{"at":"t0","sig":"LOGIN"}`, want: true},
		{name: "missing attribute", query: `entry.sig == "LOGIN"`, line: `{"at":"t0"}`, want: false},
		{name: "nested attribute", query: `entry.val.region == "Dune"`, line: `{"val":{"region":"Dune"}}`, want: true},
		{name: "boolean ops", query: `entry.sys == "chat" && contains(entry.val, "hello")`, line: `{"sys":"chat","val":"well hello there"}`, want: true},
		{name: "contains on missing", query: `contains(entry.val, "x")`, line: `{}`, want: false},
		{name: "search", query: `search("^Agent [0-9]+ arrived", entry.val)`, line: `{"val":"Agent 42 arrived"}`, want: true},
		{name: "lower", query: `lower(entry.sig) == "login"`, line: `{"sig":"LOGIN"}`, want: true},
		{name: "math", query: `abs(entry.val) > 2 && max(1, 5) == 5 && floor(2.7) == 2`, line: `{"val":-3}`, want: true},
		{name: "length", query: `length(line) == 5`, line: "hello", want: true},
		{name: "raw line", query: `contains(line, "boot")`, line: "region booted", want: true},
		{name: "non json line", query: `entry.sig == "x"`, line: "plain text", want: false},
		{name: "syntax error", query: `entry.sig ==`, line: `{"sig":1}`, want: false, diag: true},
		{name: "unknown function", query: `exec("rm")`, line: `{}`, want: false, diag: true},
		{name: "non bool", query: `entry.sig`, line: `{"sig":"x"}`, want: false, diag: true},
		{name: "null result", query: `entry.sig`, line: `{}`, want: false, diag: true},
		{name: "bad operand", query: `entry.sig > 3`, line: `{"sig":"x"}`, want: false, diag: true},
		{name: "bad regexp", query: `search("(", line)`, line: "x", want: false, diag: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := mustNew(t, tc.contains, tc.query)
			got, err := p.Match(tc.line)
			if got != tc.want {
				t.Errorf("Match(%q) = %v, want %v (diag %v)", tc.line, got, tc.want, err)
			}
			if (err != nil) != tc.diag {
				t.Errorf("Match(%q) diagnostic = %v, want diagnostic %v", tc.line, err, tc.diag)
			}
		})
	}
}

func TestMalformedIsKept(t *testing.T) {
	p := mustNew(t, "", `((`)
	if p.Valid() == nil {
		t.Error("expected parse diagnostic")
	}
	if _, found, diag := p.Scan("a\nb\n"); found || diag == nil {
		t.Errorf("malformed query found=%v diag=%v", found, diag)
	}
}

func TestScanFirstMatch(t *testing.T) {
	p := mustNew(t, "", `entry.sig == "ARRIVE"`)
	text := "boot\n{\"sig\":\"ARRIVE\",\"val\":\"first\"}\r\n{\"sig\":\"ARRIVE\",\"val\":\"second\"}\n"
	line, found, diag := p.Scan(text)
	if !found || diag != nil {
		t.Fatalf("found=%v diag=%v", found, diag)
	}
	if line != `{"sig":"ARRIVE","val":"first"}` {
		t.Errorf("Scan() = %q", line)
	}
}

func TestString(t *testing.T) {
	if got := mustNew(t, "hi", "").String(); got != `"hi"` {
		t.Errorf("String() = %s", got)
	}
	if got := mustNew(t, "", "true").String(); got != `query "true"` {
		t.Errorf("String() = %s", got)
	}
}
