// Command sandboxctl validates and executes code with the sandbox engine
// from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	sandbox "github.com/Simon-McIntosh/nucleai-sandbox"
	"github.com/Simon-McIntosh/nucleai-sandbox/bind"
	"github.com/Simon-McIntosh/nucleai-sandbox/interp"
	"github.com/Simon-McIntosh/nucleai-sandbox/journal"
	"github.com/Simon-McIntosh/nucleai-sandbox/settings"
	"github.com/Simon-McIntosh/nucleai-sandbox/value"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// errFailed reports a command whose code did not succeed. The details
// have already been printed.
var errFailed = errors.New("code did not succeed")

// app carries what every command needs.
type app struct {
	ctx      context.Context
	settings *settings.Settings
	logger   *slog.Logger
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer
}

func main() {
	if sandbox.MaybeRunWorker() {
		return
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sandboxctl"),
		kong.Description("Validate and execute agent code in a sandbox."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, &cli, os.LookupEnv)
	kctx.FatalIfErrorf(err)
	a.stdin, a.stdout, a.stderr = os.Stdin, os.Stdout, os.Stderr

	err = kctx.Run(a)
	if errors.Is(err, errFailed) {
		os.Exit(1)
	}
	kctx.FatalIfErrorf(err)
}

// newApp loads settings: defaults, then the YAML file, then dotenv files
// and the environment.
func newApp(ctx context.Context, cli *CLI, lookup func(string) (string, bool)) (*app, error) {
	if err := settings.LoadEnvFiles(cli.EnvFile...); err != nil {
		return nil, err
	}
	s := settings.Default()
	if cli.Config != "" {
		var err error
		if s, err = settings.Load(cli.Config); err != nil {
			return nil, err
		}
	}
	if err := s.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return &app{
		ctx:      ctx,
		settings: s,
		logger:   s.Logger(os.Stderr),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
	}, nil
}

// engine builds an engine from the settings. The returned function
// releases it.
func (a *app) engine() (sandbox.Engine, func(), error) {
	cfg, err := a.settings.Config()
	if err != nil {
		return nil, nil, err
	}
	cfg.Logger = a.logger

	var j *journal.Journal
	if a.settings.Journal != "" {
		if j, err = journal.Open(a.ctx, a.settings.Journal); err != nil {
			return nil, nil, err
		}
		cfg.Journal = j
	}

	eng, err := sandbox.NewEngine(cfg)
	if err != nil {
		if j != nil {
			_ = j.Close()
		}
		return nil, nil, err
	}
	return eng, func() {
		if err := eng.Cleanup(context.WithoutCancel(a.ctx)); err != nil {
			a.logger.Warn("engine cleanup", "err", err)
		}
		if j != nil {
			_ = j.Close()
		}
	}, nil
}

// readSource reads a file, or stdin for "-".
func (a *app) readSource(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(a.stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

// bindings loads each name=path pair as a handle whose data is the JSON
// document at path.
func (a *app) bindings(pairs map[string]string) (*bind.Set, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	refs := make(map[string]bind.Ref, len(pairs))
	for name, path := range pairs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data, err := value.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		refs[name] = bind.Ref{URI: "file://" + abs, Kind: "json", Data: data}
	}
	return bind.Bind(refs, bind.WithReserved(interp.ReservedNames()...))
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
