// Package query matches log lines against either a literal pattern or a
// restricted expression over the line's JSON record.
//
// Expressions use HCL native syntax. Two variables are in scope: entry, the
// line parsed as a JSON object (top-level attributes the expression names but
// the record lacks are null), and line, the raw text. Only the functions in
// Functions can be called, so evaluation cannot reach outside the record.
package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

const (
	EntryVariable = "entry"
	LineVariable  = "line"
)

var (
	ErrNoPredicate    = errors.New("one of contains or query is required")
	ErrBothPredicates = errors.New("contains and query are mutually exclusive")
)

var patterns = observatory.NewSyncMap[string, *regexp.Regexp]()

func compiled(pattern string) (*regexp.Regexp, error) {
	if re, found := patterns.GetHas(pattern); found {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Set(pattern, re)
	return re, nil
}

var containsFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "s", Type: cty.String, AllowNull: true},
		{Name: "substr", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if args[0].IsNull() {
			return cty.False, nil
		}
		return cty.BoolVal(strings.Contains(args[0].AsString(), args[1].AsString())), nil
	},
})

var searchFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "pattern", Type: cty.String},
		{Name: "s", Type: cty.String, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		re, err := compiled(args[0].AsString())
		if err != nil {
			return cty.NilVal, function.NewArgError(0, err)
		}
		if args[1].IsNull() {
			return cty.False, nil
		}
		return cty.BoolVal(re.MatchString(args[1].AsString())), nil
	},
})

// Functions are the only callable names in an expression.
var Functions = map[string]function.Function{
	"contains": containsFunc,
	"search":   searchFunc,
	"lower":    stdlib.LowerFunc,
	"upper":    stdlib.UpperFunc,
	"length":   stdlib.StrlenFunc,
	"abs":      stdlib.AbsoluteFunc,
	"min":      stdlib.MinFunc,
	"max":      stdlib.MaxFunc,
	"floor":    stdlib.FloorFunc,
	"ceil":     stdlib.CeilFunc,
}

// Predicate holds exactly one of a literal pattern or a parsed expression.
// An expression that fails to parse is kept; it never matches and every
// evaluation reports the parse diagnostic.
type Predicate struct {
	Contains string
	Query    string

	expr     hclsyntax.Expression
	refs     []string
	parseErr error
}

func New(contains, query string) (*Predicate, error) {
	switch {
	case contains == "" && query == "":
		return nil, observatory.WithStack(ErrNoPredicate)
	case contains != "" && query != "":
		return nil, observatory.WithStack(ErrBothPredicates)
	}
	p := &Predicate{Contains: contains, Query: query}
	if query == "" {
		return p, nil
	}
	expr, diags := hclsyntax.ParseExpression([]byte(query), "query", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		p.parseErr = errors.Errorf("parsing %q: %s", query, diags.Error())
		return p, nil
	}
	p.expr = expr
	for _, traversal := range expr.Variables() {
		if traversal.RootName() != EntryVariable || len(traversal) < 2 {
			continue
		}
		if attr, ok := traversal[1].(hcl.TraverseAttr); ok {
			p.refs = append(p.refs, attr.Name)
		}
	}
	return p, nil
}

func (p *Predicate) String() string {
	if p.Query != "" {
		return fmt.Sprintf("query %q", p.Query)
	}
	return fmt.Sprintf("%q", p.Contains)
}

// Valid returns the parse diagnostic of a malformed expression, or nil.
func (p *Predicate) Valid() error {
	return p.parseErr
}

// Match reports whether line satisfies the predicate. A non-nil error is a
// diagnostic for this line only. The line never matches in that case.
func (p *Predicate) Match(line string) (bool, error) {
	if p.Query == "" {
		return strings.Contains(line, p.Contains), nil
	}
	if p.parseErr != nil {
		return false, p.parseErr
	}
	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			EntryVariable: p.record(line),
			LineVariable:  cty.StringVal(line),
		},
		Functions: Functions,
	}
	val, diags := p.expr.Value(ctx)
	if diags.HasErrors() {
		return false, errors.Errorf("evaluating %q: %s", p.Query, diags.Error())
	}
	if val.IsNull() || !val.IsKnown() {
		return false, errors.Errorf("evaluating %q: result is null", p.Query)
	}
	if !val.Type().Equals(cty.Bool) {
		return false, errors.Errorf("evaluating %q: result is %s, not bool", p.Query, val.Type().FriendlyName())
	}
	return val.True(), nil
}

// record converts line to an object value, or an empty object when the line
// is not a JSON object.
func (p *Predicate) record(line string) cty.Value {
	attrs := map[string]cty.Value{}
	data := []byte(strings.TrimSpace(line))
	if ty, err := ctyjson.ImpliedType(data); err == nil && ty.IsObjectType() {
		if val, err := ctyjson.Unmarshal(data, ty); err == nil {
			for k, v := range val.AsValueMap() {
				attrs[k] = v
			}
		}
	}
	for _, name := range p.refs {
		if _, found := attrs[name]; !found {
			attrs[name] = cty.NullVal(cty.DynamicPseudoType)
		}
	}
	return cty.ObjectVal(attrs)
}

// Scan returns the first line of text satisfying the predicate. diag is the
// first per-line diagnostic seen, if any.
func (p *Predicate) Scan(text string) (match string, found bool, diag error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		ok, err := p.Match(line)
		if err != nil && diag == nil {
			diag = err
		}
		if ok {
			return line, true, diag
		}
	}
	return "", false, diag
}
