// Package interp compiles and runs submitted analysis code on the Starlark
// interpreter.
//
// A submission is the body of an implicit entry function: a top-level
// `return <expr>` produces the attempt's result. Python-style top-level
// import lines are rewritten to load statements on the same line, so
// positions reported by the parser, the validator and runtime traces all
// refer to the code as submitted.
package interp

import (
	"regexp"
	"strconv"
	"strings"

	"go.starlark.net/syntax"
)

const (
	// Filename is the name under which submissions are compiled.
	Filename = "submission.star"

	// EntryName is the synthesized function holding the submission body.
	EntryName = "__main__"

	// entryDisplay replaces EntryName in traces.
	entryDisplay = "<submission>"
)

// FileOptions are the dialect options applied to every submission.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

var (
	importLine = regexp.MustCompile(`^import\s+([A-Za-z_][\w.]*)(?:\s+as\s+([A-Za-z_]\w*))?\s*(#.*)?$`)
	fromLine   = regexp.MustCompile(`^from\s+([A-Za-z_][\w.]*)\s+import\s+([^#()*]+?)\s*(#.*)?$`)
	importItem = regexp.MustCompile(`^([A-Za-z_]\w*)(?:\s+as\s+([A-Za-z_]\w*))?$`)
)

// Desugar rewrites unindented import lines into load statements. Lines it
// does not recognize are left untouched; the parser reports them.
func Desugar(src string) string {
	lines := strings.Split(src, "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if rewritten, ok := rewriteImport(trimmed); ok {
			lines[i] = rewritten
			changed = true
		}
	}
	if !changed {
		return src
	}
	return strings.Join(lines, "\n")
}

func rewriteImport(line string) (string, bool) {
	if m := importLine.FindStringSubmatch(line); m != nil {
		module, alias := m[1], m[2]
		if alias == "" {
			alias, _, _ = strings.Cut(module, ".")
		}
		if alias == module {
			return "load(" + strconv.Quote(module) + ", " + strconv.Quote(module) + ")", true
		}
		return "load(" + strconv.Quote(module) + ", " + alias + "=" + strconv.Quote(module) + ")", true
	}
	if m := fromLine.FindStringSubmatch(line); m != nil {
		args := []string{strconv.Quote(m[1])}
		for _, item := range strings.Split(m[2], ",") {
			im := importItem.FindStringSubmatch(strings.TrimSpace(item))
			if im == nil {
				return "", false
			}
			if im[2] == "" || im[2] == im[1] {
				args = append(args, strconv.Quote(im[1]))
			} else {
				args = append(args, im[2]+"="+strconv.Quote(im[1]))
			}
		}
		return "load(" + strings.Join(args, ", ") + ")", true
	}
	return "", false
}

// Parse desugars and parses src, then moves every statement other than
// load into the body of the entry function. It does not resolve names.
func Parse(src string) (*syntax.File, error) {
	f, err := FileOptions.Parse(Filename, Desugar(src), 0)
	if err != nil {
		return nil, err
	}
	wrapEntry(f)
	return f, nil
}

func wrapEntry(f *syntax.File) {
	var loads, body []syntax.Stmt
	for _, stmt := range f.Stmts {
		if l, ok := stmt.(*syntax.LoadStmt); ok {
			loads = append(loads, l)
			continue
		}
		body = append(body, stmt)
	}
	pos := syntax.MakePosition(&f.Path, 1, 1)
	if len(body) == 0 {
		body = []syntax.Stmt{&syntax.BranchStmt{Token: syntax.PASS, TokenPos: pos}}
	}
	def := &syntax.DefStmt{
		Def:  pos,
		Name: &syntax.Ident{NamePos: pos, Name: EntryName},
		Body: body,
	}
	f.Stmts = append(loads, def)
}

// Loads returns the module identifiers loaded by f, in source order, with
// the position of each load.
func Loads(f *syntax.File) []*syntax.LoadStmt {
	var out []*syntax.LoadStmt
	for _, stmt := range f.Stmts {
		if l, ok := stmt.(*syntax.LoadStmt); ok {
			out = append(out, l)
		}
	}
	return out
}

// ModuleName returns the module identifier of a load statement.
func ModuleName(l *syntax.LoadStmt) string {
	s, _ := l.Module.Value.(string)
	return s
}
