package validate

import (
	"fmt"
	"strings"

	"go.starlark.net/syntax"

	"github.com/Simon-McIntosh/nucleai-sandbox/interp"
	"github.com/Simon-McIntosh/nucleai-sandbox/internal/pathutil"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

// scratchPrefix is the only path prefix open() may write under.
const scratchPrefix = interp.ScratchModule + "/"

var (
	dynamicEvalCalls = set("eval", "exec", "compile", "execfile", "globals", "locals", "vars")
	reflectionCalls  = set("getattr", "setattr", "hasattr", "delattr")
	processCalls     = set("system", "popen", "Popen", "spawn", "spawnl", "spawnv", "spawnve", "fork",
		"forkpty", "execl", "execv", "execve", "execvp", "check_call", "check_output", "getoutput",
		"getstatusoutput", "startfile")
	processModules = set("subprocess", "os", "pty", "multiprocessing", "commands")
	networkCalls   = set("socket", "urlopen", "create_connection", "getaddrinfo", "gethostbyname",
		"urlretrieve")
	networkModules = set("socket", "urllib", "urllib2", "urllib3", "requests", "http", "httplib",
		"httpx", "ftplib", "smtplib", "telnetlib", "ssl", "asyncio", "aiohttp", "websocket", "websockets")
	// filesystemCalls are flagged wherever they appear; methodLike ones
	// only when called bare or on a filesystem module.
	filesystemCalls = set("rmtree", "makedirs", "unlink", "removedirs", "chmod", "chown", "symlink",
		"write_text", "write_bytes")
	filesystemMethodLike = set("remove", "rename", "replace", "mkdir", "rmdir", "truncate", "link")
	filesystemModules    = set("os", "shutil", "pathlib", "Path", "io", "tempfile")

	scratchPathCalls = set("write", "read", "exists")
)

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// rootModule returns the first dotted segment of a module identifier.
func rootModule(name string) string {
	root, _, _ := strings.Cut(name, ".")
	return root
}

type position struct{ line, col int }

type ruleAt struct {
	rule string
	at   position
}

// finding is a match of one rule against one node.
type finding struct {
	pos syntax.Position
	msg string
}

// rule is one entry of the rule table. Check inspects a single node; the
// checker applies the rule only when its operation, if any, is forbidden.
type rule struct {
	// Name is the rule identifier reported in violations.
	Name string

	// Operation gates the rule on the policy's forbidden operations.
	Operation policy.Operation

	// Retryable is copied into every violation of this rule.
	Retryable bool

	// Check returns the findings of this rule on node n.
	Check func(c *checker, n syntax.Node) []finding
}

// rules is the table applied to every node of the submission body.
var rules = []rule{
	{Name: RuleSandboxEscape, Retryable: false, Check: checkEscape},
	{Name: RuleDynamicEval, Operation: policy.OpDynamicEval, Retryable: true, Check: checkDynamicEval},
	{Name: RuleReflection, Operation: policy.OpReflection, Retryable: true, Check: checkReflection},
	{Name: RuleProcessSpawn, Operation: policy.OpProcessSpawn, Retryable: true, Check: checkProcess},
	{Name: RuleNetwork, Operation: policy.OpNetwork, Retryable: true, Check: checkNetwork},
	{Name: RuleFilesystemWrite, Operation: policy.OpFilesystemWrite, Retryable: true, Check: checkFilesystem},
}

// checker walks one parsed submission.
type checker struct {
	policy *policy.Policy
	// aliases maps a local name bound by load to "module.member", or to
	// "module" when the module itself is bound.
	aliases    map[string]string
	active     []rule
	violations []Violation
	flagged    map[position]bool
	seen       map[ruleAt]bool
}

func newChecker(p *policy.Policy, f *syntax.File) *checker {
	c := &checker{policy: p, aliases: map[string]string{}, flagged: map[position]bool{}, seen: map[ruleAt]bool{}}
	for _, r := range rules {
		if r.Operation == "" || p.Forbids(r.Operation) {
			c.active = append(c.active, r)
		}
	}
	for _, l := range interp.Loads(f) {
		module := interp.ModuleName(l)
		for i, to := range l.To {
			member := l.From[i].Name
			if member == module {
				c.aliases[to.Name] = module
			} else {
				c.aliases[to.Name] = module + "." + member
			}
		}
	}
	return c
}

func (c *checker) report(r rule, f finding, op policy.Operation) {
	line, col := int(f.pos.Line), int(f.pos.Col)
	at := position{line, col}
	if c.seen[ruleAt{r.Name, at}] {
		return
	}
	c.seen[ruleAt{r.Name, at}] = true
	c.flagged[at] = true
	c.violations = append(c.violations, Violation{
		Rule:      r.Name,
		Line:      line,
		Column:    col,
		Message:   f.msg,
		Operation: string(op),
		Retryable: r.Retryable,
	})
}

func (c *checker) run(f *syntax.File) {
	for _, stmt := range f.Stmts {
		switch s := stmt.(type) {
		case *syntax.LoadStmt:
			c.checkLoad(s)
		case *syntax.DefStmt:
			// The synthesized entry function; only its body is user code.
			c.walkStmts(s.Body)
		}
	}
}

// walkStmts visits every node of stmts. Statements that hold nested
// bodies are descended here because syntax.Walk does not know while loops;
// everything else is handed to syntax.Walk.
func (c *checker) walkStmts(stmts []syntax.Stmt) {
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *syntax.WhileStmt:
			if c.visit(s) {
				syntax.Walk(s.Cond, c.visit)
				c.walkStmts(s.Body)
			}
		case *syntax.IfStmt:
			if c.visit(s) {
				syntax.Walk(s.Cond, c.visit)
				c.walkStmts(s.True)
				c.walkStmts(s.False)
			}
		case *syntax.ForStmt:
			if c.visit(s) {
				syntax.Walk(s.Vars, c.visit)
				syntax.Walk(s.X, c.visit)
				c.walkStmts(s.Body)
			}
		case *syntax.DefStmt:
			if c.visit(s) {
				syntax.Walk(s.Name, c.visit)
				for _, param := range s.Params {
					syntax.Walk(param, c.visit)
				}
				c.walkStmts(s.Body)
			}
		default:
			syntax.Walk(stmt, c.visit)
		}
	}
}

func (c *checker) checkLoad(l *syntax.LoadStmt) {
	module := interp.ModuleName(l)
	pos := l.Load
	// A module outside the allowlist is reported once, for the module.
	root := rootModule(module)
	switch {
	case !c.policy.ModuleAllowed(module):
		c.report(rule{Name: RuleModuleNotAllowed, Retryable: true},
			finding{pos, fmt.Sprintf("module %q is not in the allowed list", module)}, "")
	case processModules[root] && c.policy.Forbids(policy.OpProcessSpawn):
		c.report(rule{Name: RuleProcessSpawn, Retryable: true},
			finding{pos, fmt.Sprintf("module %q provides process primitives", module)}, policy.OpProcessSpawn)
	case networkModules[root] && c.policy.Forbids(policy.OpNetwork):
		c.report(rule{Name: RuleNetwork, Retryable: true},
			finding{pos, fmt.Sprintf("module %q provides network primitives", module)}, policy.OpNetwork)
	}
	for _, from := range l.From {
		if isDunder(from.Name) {
			c.report(rule{Name: RuleSandboxEscape}, finding{pos, fmt.Sprintf("load of internal name %s", from.Name)}, "")
		}
	}
}

// visit applies the active rules to n. A DotExpr is handled as a whole so
// that its field name is not mistaken for a free identifier.
func (c *checker) visit(n syntax.Node) bool {
	for _, r := range c.active {
		for _, f := range r.Check(c, n) {
			c.report(r, f, r.Operation)
		}
	}
	if dot, ok := n.(*syntax.DotExpr); ok {
		syntax.Walk(dot.X, c.visit)
		return false
	}
	return true
}

// qualified returns the dotted name of a callee or attribute chain, with
// load aliases expanded, or "" for anything else.
func (c *checker) qualified(e syntax.Expr) string {
	switch x := e.(type) {
	case *syntax.Ident:
		if q, ok := c.aliases[x.Name]; ok {
			return q
		}
		return x.Name
	case *syntax.DotExpr:
		if base := c.qualified(x.X); base != "" {
			return base + "." + x.Name.Name
		}
	case *syntax.ParenExpr:
		return c.qualified(x.X)
	}
	return ""
}

// terminal returns the last segment of a qualified name.
func terminal(q string) string {
	if i := strings.LastIndexByte(q, '.'); i >= 0 {
		return q[i+1:]
	}
	return q
}

func start(n syntax.Node) syntax.Position {
	p, _ := n.Span()
	return p
}

func stringLit(e syntax.Expr) (string, bool) {
	lit, ok := e.(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		return "", false
	}
	s, ok := lit.Value.(string)
	return s, ok
}

// argument returns the i-th positional argument or the keyword argument
// named kw.
func argument(call *syntax.CallExpr, i int, kw string) (syntax.Expr, bool) {
	pos := 0
	for _, a := range call.Args {
		if b, ok := a.(*syntax.BinaryExpr); ok && b.Op == syntax.EQ {
			if id, ok := b.X.(*syntax.Ident); ok && id.Name == kw {
				return b.Y, true
			}
			continue
		}
		if u, ok := a.(*syntax.UnaryExpr); ok && (u.Op == syntax.STAR || u.Op == syntax.STARSTAR) {
			continue
		}
		if pos == i {
			return a, true
		}
		pos++
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Rule implementations
// ---------------------------------------------------------------------------

func checkEscape(c *checker, n syntax.Node) []finding {
	switch x := n.(type) {
	case *syntax.Ident:
		if isDunder(x.Name) {
			return []finding{{x.NamePos, fmt.Sprintf("access to internal name %s", x.Name)}}
		}
	case *syntax.DotExpr:
		if isDunder(x.Name.Name) {
			return []finding{{x.Name.NamePos, fmt.Sprintf("access to internal attribute .%s", x.Name.Name)}}
		}
	case *syntax.CallExpr:
		return escapeInCall(c, x)
	}
	return nil
}

func escapeInCall(c *checker, call *syntax.CallExpr) []finding {
	q := c.qualified(call.Fn)
	name := terminal(q)
	switch {
	case reflectionCalls[name] && q == name:
		if arg, ok := argument(call, 1, "name"); ok {
			if s, lit := stringLit(arg); lit && isDunder(s) {
				return []finding{{start(arg), fmt.Sprintf("%s of internal attribute %q", name, s)}}
			}
		}
	case strings.HasPrefix(q, interp.ScratchModule+".") && scratchPathCalls[name]:
		if arg, ok := argument(call, 0, "path"); ok {
			if s, lit := stringLit(arg); lit && s != "" && pathutil.CheckRelative(s) != nil {
				return []finding{{start(arg), fmt.Sprintf("path %q leaves the scratch area", s)}}
			}
		}
	case q == "open":
		if arg, ok := argument(call, 0, "file"); ok {
			if s, lit := stringLit(arg); lit && s != "" && pathutil.CheckRelative(s) != nil {
				return []finding{{start(arg), fmt.Sprintf("path %q is outside the scratch area", s)}}
			}
		}
	}
	return nil
}

func checkDynamicEval(c *checker, n syntax.Node) []finding {
	call, ok := n.(*syntax.CallExpr)
	if !ok {
		return nil
	}
	q := c.qualified(call.Fn)
	name := terminal(q)
	if dynamicEvalCalls[name] && (q == name || rootModule(q) == "builtins") {
		return []finding{{start(call.Fn), fmt.Sprintf("call to %s evaluates code dynamically", name)}}
	}
	return nil
}

func checkReflection(c *checker, n syntax.Node) []finding {
	call, ok := n.(*syntax.CallExpr)
	if !ok {
		return nil
	}
	q := c.qualified(call.Fn)
	if !reflectionCalls[q] {
		return nil
	}
	arg, ok := argument(call, 1, "name")
	if !ok {
		return nil
	}
	if _, lit := stringLit(arg); lit {
		return nil
	}
	return []finding{{start(call.Fn), fmt.Sprintf("%s with a computed attribute name", q)}}
}

func checkProcess(c *checker, n syntax.Node) []finding {
	switch x := n.(type) {
	case *syntax.Ident:
		if processModules[x.Name] {
			if _, loaded := c.aliases[x.Name]; !loaded {
				return []finding{{x.NamePos, fmt.Sprintf("reference to process module %s", x.Name)}}
			}
		}
	case *syntax.CallExpr:
		q := c.qualified(x.Fn)
		if processCalls[terminal(q)] && !strings.HasPrefix(q, interp.ScratchModule+".") {
			return []finding{{start(x.Fn), fmt.Sprintf("call to %s spawns a process", terminal(q))}}
		}
	}
	return nil
}

func checkNetwork(c *checker, n syntax.Node) []finding {
	switch x := n.(type) {
	case *syntax.Ident:
		if networkModules[x.Name] {
			if _, loaded := c.aliases[x.Name]; !loaded {
				return []finding{{x.NamePos, fmt.Sprintf("reference to network module %s", x.Name)}}
			}
		}
	case *syntax.CallExpr:
		q := c.qualified(x.Fn)
		if networkCalls[terminal(q)] && !strings.HasPrefix(q, interp.ScratchModule+".") {
			return []finding{{start(x.Fn), fmt.Sprintf("call to %s opens a network connection", terminal(q))}}
		}
	}
	return nil
}

func checkFilesystem(c *checker, n syntax.Node) []finding {
	call, ok := n.(*syntax.CallExpr)
	if !ok {
		return nil
	}
	q := c.qualified(call.Fn)
	if strings.HasPrefix(q, interp.ScratchModule+".") {
		return nil
	}
	name := terminal(q)
	if filesystemCalls[name] || filesystemMethodLike[name] && (q == name || filesystemModules[rootModule(q)]) {
		return []finding{{start(call.Fn), fmt.Sprintf("call to %s modifies the filesystem", name)}}
	}
	if q != "open" {
		return nil
	}
	modeArg, ok := argument(call, 1, "mode")
	if !ok {
		return nil
	}
	mode, lit := stringLit(modeArg)
	if lit && !strings.ContainsAny(mode, "wax+") {
		return nil
	}
	if arg, ok := argument(call, 0, "file"); ok {
		if path, lit := stringLit(arg); lit && strings.HasPrefix(path, scratchPrefix) {
			return nil
		}
	}
	return []finding{{start(call.Fn), "open() for writing outside the scratch area"}}
}
