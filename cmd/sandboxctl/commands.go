package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	sandbox "github.com/Simon-McIntosh/nucleai-sandbox"
	"github.com/Simon-McIntosh/nucleai-sandbox/interp"
	"github.com/Simon-McIntosh/nucleai-sandbox/journal"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/session"
	"github.com/Simon-McIntosh/nucleai-sandbox/validate"
)

// Run validates each file and prints its violations.
func (c *ValidateCmd) Run(a *app) error {
	cfg, err := a.settings.Config()
	if err != nil {
		return err
	}
	reports := make(map[string]validate.Report, len(c.Files))
	failed := false
	for _, f := range c.Files {
		src, err := a.readSource(f)
		if err != nil {
			return err
		}
		r := sandbox.Check(src, cfg.Policy, sandbox.WithGlobals(c.Globals...))
		reports[f] = r
		if !r.Valid {
			failed = true
		}
		if c.JSON {
			continue
		}
		if r.Valid {
			fmt.Fprintf(a.stdout, "%s: ok\n", f)
			continue
		}
		for _, v := range r.Violations {
			fmt.Fprintf(a.stdout, "%s:%d:%d: [%s] %s\n", f, v.Line, v.Column, v.Rule, v.Message)
		}
	}
	if c.JSON {
		if err := a.printJSON(reports); err != nil {
			return err
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

// Run executes the source once.
func (c *RunCmd) Run(a *app) error {
	src := c.Expr
	if src == "" {
		if c.File == "" {
			return errors.New("run: give a file or --expr")
		}
		var err error
		if src, err = a.readSource(c.File); err != nil {
			return err
		}
	}
	b, err := a.bindings(c.Bind)
	if err != nil {
		return err
	}
	eng, release, err := a.engine()
	if err != nil {
		return err
	}
	defer release()

	o := eng.ExecuteOnce(a.ctx, src, b, nil)
	return a.report(o, c.JSON)
}

// report prints o: the full result with asJSON, else the output on stdout
// and feedback on stderr.
func (a *app) report(o outcome.Outcome, asJSON bool) error {
	if asJSON {
		if err := a.printJSON(o.Result()); err != nil {
			return err
		}
	} else {
		if out, truncated := o.Stdout(); out != "" {
			fmt.Fprint(a.stderr, out)
			if truncated {
				fmt.Fprintln(a.stderr, "[output truncated]")
			}
		}
		if o.Status() == outcome.StatusSuccess {
			if err := a.printJSON(o.Result().Output); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(a.stderr, sandbox.Feedback(o))
		}
	}
	if o.Status() != outcome.StatusSuccess {
		return errFailed
	}
	return nil
}

// Run drives a session whose attempts are the given files in order.
func (c *SessionCmd) Run(a *app) error {
	sources := make([]string, len(c.Files))
	for i, f := range c.Files {
		src, err := a.readSource(f)
		if err != nil {
			return err
		}
		sources[i] = src
	}
	b, err := a.bindings(c.Bind)
	if err != nil {
		return err
	}
	eng, release, err := a.engine()
	if err != nil {
		return err
	}
	defer release()

	next := 1
	revise := func(context.Context, outcome.Outcome) *session.Submission {
		if next >= len(sources) {
			return nil
		}
		src := sources[next]
		next++
		return &session.Submission{Source: src}
	}
	hook := sandbox.WithAttemptHook(func(at session.Attempt) {
		fmt.Fprintf(a.stderr, "attempt %d (%s): %s\n",
			at.Submission.Attempt, c.Files[at.Submission.Attempt-1], at.Outcome.Status())
		if fb := sandbox.Feedback(at.Outcome); fb != "" {
			fmt.Fprintln(a.stderr, fb)
		}
	})
	opts := []sandbox.Option{hook}
	if c.ID != "" {
		opts = append(opts, sandbox.WithSessionID(c.ID))
	}

	s := eng.RunSession(a.ctx, sources[0], b, nil, revise, opts...)
	if err := a.printJSON(s.Summary()); err != nil {
		return err
	}
	if s.State() != session.Succeeded {
		return errFailed
	}
	return nil
}

// Run lists the modules, or the members of one module.
func (c *DescribeCmd) Run(a *app) error {
	cfg, err := a.settings.Config()
	if err != nil {
		return err
	}
	if c.Module == "" {
		for _, name := range interp.ModuleNames() {
			mark := "denied"
			if cfg.Policy.ModuleAllowed(name) {
				mark = "allowed"
			}
			fmt.Fprintf(a.stdout, "%-8s %s\n", name, mark)
		}
		return nil
	}
	members, ok := interp.Describe(c.Module)
	if !ok {
		return fmt.Errorf("unknown module %q (known: %s)", c.Module, strings.Join(interp.ModuleNames(), ", "))
	}
	for _, m := range members {
		fmt.Fprintf(a.stdout, "%s.%s\n", c.Module, m)
	}
	return nil
}

// Run lists journaled sessions, or prints one in full.
func (c *HistoryCmd) Run(a *app) error {
	path := c.Journal
	if path == "" {
		path = a.settings.Journal
	}
	if path == "" {
		return errors.New("history: no journal configured (set journal in settings or SANDBOX_JOURNAL)")
	}
	j, err := journal.Open(a.ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()

	if c.ID != "" {
		s, err := j.Get(a.ctx, c.ID)
		if err != nil {
			return err
		}
		return a.printJSON(s)
	}

	entries, err := j.List(a.ctx, journal.Filter{State: c.State, Limit: c.Limit})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tRESULT\tSTARTED\tDURATION")
	for _, e := range entries {
		dur := "-"
		if !e.Ended.IsZero() {
			dur = e.Ended.Sub(e.Started).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.State, e.Attempts, e.FinalStatus, humanize.Time(e.Started), dur)
	}
	return tw.Flush()
}

// Run reports whether workers can be isolated here.
func (c *CheckCmd) Run(a *app) error {
	eng, release, err := a.engine()
	var pe *sandbox.PlatformError
	if errors.As(err, &pe) {
		fmt.Fprintf(a.stdout, "platform: %s\nisolation: unavailable\n", pe.Platform)
		for _, p := range pe.Problems {
			fmt.Fprintf(a.stdout, "error: %s\n", p)
		}
		return errFailed
	}
	if err != nil {
		return err
	}
	defer release()

	check := eng.CheckDependencies()
	status := "unavailable"
	if eng.Available() {
		status = "available"
	}
	fmt.Fprintf(a.stdout, "isolation: %s\n", status)
	for _, e := range check.Errors {
		fmt.Fprintf(a.stdout, "error: %s\n", e)
	}
	for _, w := range check.Warnings {
		fmt.Fprintf(a.stdout, "warning: %s\n", w)
	}
	if err := eng.Ping(a.ctx); err != nil {
		fmt.Fprintf(a.stdout, "error: %v\n", err)
		return errFailed
	}
	fmt.Fprintln(a.stdout, "attempt: ok")
	if !check.OK() {
		return errFailed
	}
	return nil
}

// Run prints the version.
func (c *VersionCmd) Run(a *app) error {
	fmt.Fprintf(a.stdout, "sandboxctl %s (commit: %s)\n", version, commit)
	return nil
}
