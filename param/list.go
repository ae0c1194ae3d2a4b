package param

import (
	"errors"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/fxsml/relay/fault"
)

type compiled struct {
	Parameter
	program    *vm.Program
	pattern    []segment
	def        any
	hasDefault bool
}

// List is a compiled, immutable parameter list. It is safe for concurrent
// use by multiple goroutines.
type List struct {
	params []compiled
}

// Compile validates defs and prepares them for resolution. All problems are
// reported together, each wrapping fault.ErrConfiguration.
func Compile(defs []Parameter) (*List, error) {
	index := make(map[string]int, len(defs))
	for i, p := range defs {
		if _, ok := index[p.Name]; !ok && p.Name != "" {
			index[p.Name] = i
		}
	}

	var errs []error
	list := &List{params: make([]compiled, 0, len(defs))}
	seen := make(map[string]bool, len(defs))
	for i, p := range defs {
		c, err := compileOne(i, p, index, seen)
		if err != nil {
			errs = append(errs, err...)
			continue
		}
		seen[p.Name] = true
		list.params = append(list.params, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return list, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(defs []Parameter) *List {
	l, err := Compile(defs)
	if err != nil {
		panic(err)
	}
	return l
}

func compileOne(pos int, p Parameter, index map[string]int, seen map[string]bool) (compiled, []error) {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fault.Configf("parameter %q: "+format, append([]any{p.Name}, args...)...))
	}

	switch {
	case p.Name == "":
		errs = append(errs, fault.Configf("parameter #%d: missing name", pos))
		return compiled{}, errs
	case slices.Contains(reserved, p.Name):
		fail("name is reserved")
	case seen[p.Name]:
		fail("duplicate name")
	}
	if !p.Type.valid() {
		fail("unknown type %q", p.Type)
	}
	if p.Value != "" && p.Pattern != "" {
		fail("value and pattern are mutually exclusive")
	}

	c := compiled{Parameter: p}
	c.Type = p.Type.orDefault()

	checkRef := func(ref string) {
		j, ok := index[ref]
		if !ok {
			return
		}
		if j == pos {
			fail("references itself")
		} else if j > pos {
			fail("references %q which is declared after it", ref)
		}
	}

	if p.Pattern != "" {
		segs, err := parsePattern(p.Pattern)
		if err != nil {
			fail("%v", err)
		}
		for _, ref := range placeholders(segs) {
			checkRef(ref)
		}
		c.pattern = segs
	}

	if p.Expression != "" {
		tree, err := parser.Parse(p.Expression)
		if err != nil {
			fail("expression: %v", err)
		} else {
			v := &identifiers{}
			ast.Walk(&tree.Node, v)
			for _, ref := range v.names {
				checkRef(ref)
			}
			program, err := expr.Compile(p.Expression, expr.AllowUndefinedVariables())
			if err != nil {
				fail("expression: %v", err)
			}
			c.program = program
		}
	}

	if p.Default != "" && p.Type.valid() {
		def, err := Coerce(c.Type, p.Format, p.Default)
		if err != nil {
			fail("default %q is not a valid %s: %v", p.Default, c.Type, err)
		}
		c.def, c.hasDefault = def, true
	}
	return c, errs
}

// identifiers collects the names an expression refers to.
type identifiers struct {
	names []string
}

func (v *identifiers) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IdentifierNode); ok {
		v.names = append(v.names, n.Value)
	}
}

// Len returns the number of parameters.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.params)
}

// Names returns the parameter names in declaration order.
func (l *List) Names() []string {
	if l == nil {
		return nil
	}
	names := make([]string, len(l.params))
	for i, p := range l.params {
		names[i] = p.Name
	}
	return names
}
