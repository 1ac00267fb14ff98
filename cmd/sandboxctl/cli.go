// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config  string   `short:"c" type:"existingfile" env:"SANDBOX_CONFIG" help:"Settings YAML file"`
	EnvFile []string `name:"env-file" default:".env" help:"Dotenv files to load (missing files are skipped)"`

	Validate ValidateCmd `cmd:"" help:"Statically check code against the policy"`
	Run      RunCmd      `cmd:"" help:"Validate and execute code once"`
	Session  SessionCmd  `cmd:"" help:"Run successive revisions as one refinement session"`
	Describe DescribeCmd `cmd:"" help:"List modules, or the members of one module"`
	History  HistoryCmd  `cmd:"" help:"List or show journaled sessions"`
	Check    CheckCmd    `cmd:"" help:"Report isolation dependencies of this host and run a trivial attempt"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// ValidateCmd checks files without executing them.
type ValidateCmd struct {
	Files   []string `arg:"" name:"file" help:"Source files (- for stdin)"`
	Globals []string `short:"g" help:"Extra names to treat as defined"`
	JSON    bool     `help:"Print the reports as JSON"`
}

// RunCmd executes one attempt.
type RunCmd struct {
	File string            `arg:"" optional:"" help:"Source file (- for stdin)"`
	Expr string            `short:"e" help:"Source given inline instead of a file"`
	Bind map[string]string `short:"b" help:"Bind name=data.json as a read-only handle (repeatable)"`
	JSON bool              `help:"Print the full result as JSON"`
}

// SessionCmd replays revisions as the attempts of one session.
type SessionCmd struct {
	Files []string          `arg:"" name:"file" help:"Source of each attempt, in order"`
	Bind  map[string]string `short:"b" help:"Bind name=data.json as a read-only handle (repeatable)"`
	ID    string            `help:"Session identifier"`
}

// DescribeCmd introspects the interpreter modules.
type DescribeCmd struct {
	Module string `arg:"" optional:"" help:"Module to describe"`
}

// HistoryCmd reads the session journal.
type HistoryCmd struct {
	ID      string `arg:"" optional:"" help:"Session to show in full"`
	Journal string `help:"Journal database (default: from settings)"`
	State   string `help:"Only sessions in this final state"`
	Limit   int    `default:"20" help:"Maximum number of sessions listed"`
}

// CheckCmd reports platform dependencies.
type CheckCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
