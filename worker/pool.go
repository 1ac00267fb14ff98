// Package worker runs attempts in isolated, single-use child processes.
//
// A Pool re-executes the host binary as a worker for every attempt. The
// worker is confined by the detected platform (on Linux: hardening,
// Landlock, rlimits and seccomp, optionally namespaces), reads one request
// on stdin and writes one outcome on stdout. The host enforces its own
// wall-clock and resident-memory ceilings and kills the whole process
// group when either is crossed. Workers are never reused: each is reaped
// and its scratch directory removed and verified gone before Run returns.
//
// Binaries that create a Pool must call MaybeRun first thing in main.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Simon-McIntosh/nucleai-sandbox/internal/envutil"
	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/platform"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
	"github.com/Simon-McIntosh/nucleai-sandbox/runner"
)

// initPrefix starts every stderr line written by the sandbox-init stage.
const initPrefix = "sandbox-init: "

const (
	defaultGrace       = time.Second
	defaultMaxResult   = 16 << 20
	defaultMaxStderr   = 64 << 10
	defaultRSSInterval = 25 * time.Millisecond
	defaultRSSHeadroom = 64 << 20
	stderrTail         = 512
)

var (
	// ErrPoolClosed is reported, as a sandbox-failure outcome, by Run on a
	// closed pool.
	ErrPoolClosed = errors.New("worker: pool closed")

	// ErrWorkerStart indicates a worker process could not be started or
	// died during its init stage.
	ErrWorkerStart = errors.New("worker: start failed")

	// ErrIsolationUnavailable is returned by NewPool when the platform
	// cannot isolate workers and unisolated workers are not allowed.
	ErrIsolationUnavailable = errors.New("worker: process isolation unavailable")
)

// Config configures a Pool. The zero value is usable.
type Config struct {
	// Size bounds the number of concurrent attempts. Default: runtime.NumCPU().
	Size int

	// Warm is the number of idle workers kept started ahead of demand.
	// Default 1; a negative value disables pre-warming.
	Warm int

	// ScratchRoot is where per-attempt scratch directories are created.
	// Default: os.TempDir().
	ScratchRoot string

	// Platform isolates workers. Default: the platform of the running OS.
	Platform platform.Platform

	// RequireLandlock makes the default Linux platform refuse kernels
	// without Landlock.
	RequireLandlock bool

	// AllowUnisolated runs workers as plain child processes when the
	// platform cannot isolate them. Workers still get a private scratch
	// directory, a minimal environment and the host watchdogs.
	AllowUnisolated bool

	// AllowNetwork leaves socket creation permitted in workers.
	AllowNetwork bool

	// Namespaces puts workers in fresh user, mount, PID, IPC, UTS and
	// network namespaces.
	Namespaces bool

	// ResourceLimits are applied as rlimits in the worker. Default:
	// platform.DefaultResourceLimits().
	ResourceLimits *platform.ResourceLimits

	// Grace is added to the policy timeout before the host kills a worker
	// that has not answered. Default 1s.
	Grace time.Duration

	// RSSHeadroom is added to the policy memory limit to form the host's
	// resident-memory ceiling; it covers the worker runtime itself.
	// Default 64 MiB.
	RSSHeadroom int64

	// RSSInterval is the resident-memory sampling period. Default 25ms.
	RSSInterval time.Duration

	// MaxResult bounds the encoded outcome read from a worker. Default 16 MiB.
	MaxResult int

	// Executable is the worker binary. Default: os.Executable().
	Executable string

	// Args are extra arguments passed to the worker binary.
	Args []string

	// Env lists extra "KEY=VALUE" entries for the worker environment.
	Env []string

	// Logger receives pool events. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	var errs []string
	if c.Size < 0 {
		errs = append(errs, "size must be >= 0")
	}
	if c.Grace < 0 {
		errs = append(errs, "grace must be >= 0")
	}
	if c.RSSHeadroom < 0 {
		errs = append(errs, "rss headroom must be >= 0")
	}
	if c.RSSInterval < 0 {
		errs = append(errs, "rss interval must be >= 0")
	}
	if c.MaxResult < 0 {
		errs = append(errs, "max result must be >= 0")
	}
	for _, e := range c.Env {
		if !strings.Contains(e, "=") {
			errs = append(errs, fmt.Sprintf("env entry %q is not KEY=VALUE", e))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("worker: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Size == 0 {
		c.Size = runtime.NumCPU()
	}
	if c.Warm == 0 {
		c.Warm = 1
	}
	c.Warm = min(max(c.Warm, 0), c.Size)
	if c.Grace == 0 {
		c.Grace = defaultGrace
	}
	if c.RSSHeadroom == 0 {
		c.RSSHeadroom = defaultRSSHeadroom
	}
	if c.RSSInterval == 0 {
		c.RSSInterval = defaultRSSInterval
	}
	if c.MaxResult == 0 {
		c.MaxResult = defaultMaxResult
	}
	if c.ResourceLimits == nil {
		c.ResourceLimits = platform.DefaultResourceLimits()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Args = append([]string(nil), c.Args...)
	c.Env = append([]string(nil), c.Env...)
	return c
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Spawned uint64 // workers started
	Reaped  uint64 // workers reaped
	Killed  uint64 // workers killed by a host watchdog or cancellation
	Crashed uint64 // workers that exited without an outcome
	Residue uint64 // scratch directories that survived removal
	Busy    int    // attempts in flight
	Idle    int    // pre-warmed workers waiting
}

// Pool runs attempts in single-use worker processes. It implements
// runner.Runner and is safe for concurrent use.
type Pool struct {
	cfg      Config
	platform platform.Platform
	isolated bool
	exe      string
	logger   *slog.Logger
	sem      *semaphore.Weighted
	idle     chan *process

	mu     sync.Mutex
	closed bool
	refill sync.WaitGroup

	warnOnce sync.Once

	spawned atomic.Uint64
	reaped  atomic.Uint64
	killed  atomic.Uint64
	crashed atomic.Uint64
	residue atomic.Uint64
	busy    atomic.Int64
}

var _ runner.Runner = (*Pool)(nil)

// NewPool creates a pool and starts its pre-warmed workers.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	plat := cfg.Platform
	if plat == nil {
		plat = DefaultPlatform(cfg.RequireLandlock)
	}
	isolated := plat.Available()
	if !isolated {
		if !cfg.AllowUnisolated {
			return nil, fmt.Errorf("%w on %s: %s", ErrIsolationUnavailable,
				plat.Name(), strings.Join(plat.CheckDependencies().Errors, "; "))
		}
		cfg.Logger.Warn("worker isolation unavailable, running unisolated workers",
			"platform", plat.Name())
	}

	exe := cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("%w: locate executable: %w", ErrWorkerStart, err)
		}
	}
	if !filepath.IsAbs(exe) {
		abs, err := filepath.Abs(exe)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorkerStart, err)
		}
		exe = abs
	}

	p := &Pool{
		cfg:      cfg,
		platform: plat,
		isolated: isolated,
		exe:      exe,
		logger:   cfg.Logger,
		sem:      semaphore.NewWeighted(int64(cfg.Size)),
		idle:     make(chan *process, cfg.Warm),
	}
	for range cfg.Warm {
		proc, err := p.spawn(context.Background())
		if err != nil {
			_ = p.Close(context.Background())
			return nil, err
		}
		p.idle <- proc
	}
	return p, nil
}

// Name identifies the pool and its platform, e.g. "worker/linux-landlock".
func (p *Pool) Name() string {
	if !p.isolated {
		return "worker/unisolated"
	}
	return "worker/" + p.platform.Name()
}

// Isolated reports whether workers are confined by the platform.
func (p *Pool) Isolated() bool { return p.isolated }

// Platform returns the platform used to isolate workers.
func (p *Pool) Platform() platform.Platform { return p.platform }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Spawned: p.spawned.Load(),
		Reaped:  p.reaped.Load(),
		Killed:  p.killed.Load(),
		Crashed: p.crashed.Load(),
		Residue: p.residue.Load(),
		Busy:    int(p.busy.Load()),
		Idle:    len(p.idle),
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Run executes req in a worker. The worker is reaped and its scratch
// directory removed before Run returns.
func (p *Pool) Run(ctx context.Context, req runner.Request) outcome.Outcome {
	start := time.Now()
	if p.isClosed() {
		return outcome.Failed(outcome.FailSandbox, ErrPoolClosed.Error())
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return outcome.Cancelled(context.Cause(ctx).Error())
	}
	defer p.sem.Release(1)
	if p.isClosed() {
		return outcome.Failed(outcome.FailSandbox, ErrPoolClosed.Error())
	}

	p.busy.Add(1)
	defer p.busy.Add(-1)

	proc, err := p.take(ctx)
	if err != nil {
		p.logger.Error("worker start failed", "err", err)
		return outcome.Failed(outcome.FailSandbox, err.Error()).WithDuration(time.Since(start))
	}
	p.replenish()

	o := p.attempt(ctx, proc, req)
	if err := p.reap(proc); err != nil {
		p.logger.Error("worker scratch cleanup failed", "worker_id", proc.id, "err", err)
	}
	if o.Duration() == 0 {
		o = o.WithDuration(time.Since(start))
	}
	return o
}

// Ping runs a trivial attempt and reports whether workers start and
// answer on this host.
func (p *Pool) Ping(ctx context.Context) error {
	o := p.Run(ctx, runner.Request{Source: "return 1"})
	if o.Kind() == outcome.KindSuccess {
		return nil
	}
	if f, ok := o.Failure(); ok {
		return fmt.Errorf("%w: %s: %s", ErrWorkerStart, f.Kind, f.Message)
	}
	return fmt.Errorf("%w: ping ended %s", ErrWorkerStart, o.Status())
}

// take returns a live idle worker, or starts a new one.
func (p *Pool) take(ctx context.Context) (*process, error) {
	for {
		select {
		case proc, ok := <-p.idle:
			if !ok {
				return p.spawn(ctx)
			}
			if proc.exited() {
				// Died while idle; its stderr says why.
				p.logger.Warn("idle worker exited", "worker_id", proc.id,
					"stderr", tail(proc.stderr.String(), stderrTail))
				_ = p.reap(proc)
				continue
			}
			return proc, nil
		default:
			return p.spawn(ctx)
		}
	}
}

// replenish starts one worker in the background to replace a taken one.
func (p *Pool) replenish() {
	if p.cfg.Warm == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.refill.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.refill.Done()
		proc, err := p.spawn(context.Background())
		if err != nil {
			p.logger.Warn("worker pre-warm failed", "err", err)
			return
		}
		p.mu.Lock()
		if !p.closed {
			select {
			case p.idle <- proc:
				p.mu.Unlock()
				return
			default:
			}
		}
		p.mu.Unlock()
		_ = p.reap(proc)
	}()
}

// spawn starts a worker with a fresh scratch directory. The worker blocks
// on stdin until a request arrives.
func (p *Pool) spawn(ctx context.Context) (*process, error) {
	scratch, err := runner.NewScratchDir(p.cfg.ScratchRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerStart, err)
	}
	fail := func(err error) (*process, error) {
		_ = runner.RemoveScratchDir(scratch)
		return nil, fmt.Errorf("%w: %w", ErrWorkerStart, err)
	}

	cmd := exec.Command(p.exe, p.cfg.Args...) //nolint:gosec // the host binary
	extra := append([]string{stageEnvKey + "=" + stageRun}, p.cfg.Env...)
	cmd.Env = envutil.Worker(os.Environ(), envutil.DefaultAllowed, extra...)
	cmd.Dir = scratch
	stdout := newLimitedBuffer(p.cfg.MaxResult)
	stderr := newLimitedBuffer(defaultMaxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(err)
	}
	setupProcessGroup(cmd)

	if p.isolated {
		wc := &platform.WrapConfig{
			ScratchDir:     scratch,
			ReadOnlyPaths:  []string{filepath.Dir(p.exe)},
			BlockNetwork:   !p.cfg.AllowNetwork,
			Namespaces:     p.cfg.Namespaces,
			ResourceLimits: p.cfg.ResourceLimits,
		}
		if err := p.platform.WrapCommand(ctx, cmd, wc); err != nil {
			_ = stdin.Close()
			return fail(err)
		}
	}

	err = cmd.Start()
	for _, f := range cmd.ExtraFiles {
		_ = f.Close()
	}
	if err != nil {
		return fail(err)
	}

	proc := &process{
		id:      uuid.NewString(),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		scratch: scratch,
		done:    make(chan struct{}),
	}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	p.spawned.Add(1)
	p.logger.Debug("worker started", "worker_id", proc.id, "worker_pid", cmd.Process.Pid)
	return proc, nil
}

// attempt sends req to proc and waits for its outcome under the host
// watchdogs.
func (p *Pool) attempt(ctx context.Context, proc *process, req runner.Request) outcome.Outcome {
	if req.Policy == nil {
		req.Policy = policy.Default()
	}
	req.ScratchDir = proc.scratch
	data, err := json.Marshal(req)
	if err != nil {
		return outcome.Failed(outcome.FailSandbox, fmt.Sprintf("encode request: %v", err))
	}
	// A dead worker makes the write fail; its exit status reports why.
	go proc.send(data)

	var deadline <-chan time.Time
	if t := req.Policy.Timeout(); t > 0 {
		timer := time.NewTimer(t + p.cfg.Grace)
		defer timer.Stop()
		deadline = timer.C
	}
	var tick <-chan time.Time
	var rssCeiling uint64
	if limit := req.Policy.MemoryLimit(); limit > 0 && rssSupported {
		rssCeiling = uint64(limit) + uint64(p.cfg.RSSHeadroom) //nolint:gosec // both positive
		ticker := time.NewTicker(p.cfg.RSSInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-proc.done:
			return p.collect(proc)
		case <-ctx.Done():
			p.kill(proc, "cancelled")
			return outcome.Cancelled(context.Cause(ctx).Error())
		case <-deadline:
			p.kill(proc, "timeout")
			if o, ok := proc.result(); ok {
				return o
			}
			return outcome.Exceeded(outcome.ResourceTimeout)
		case <-tick:
			rss, err := readRSS(proc.cmd.Process.Pid)
			if err != nil || rss <= rssCeiling {
				continue
			}
			p.kill(proc, "memory", "rss", humanize.IBytes(rss))
			if o, ok := proc.result(); ok {
				return o
			}
			return outcome.Exceeded(outcome.ResourceMemory)
		}
	}
}

// collect turns the output of an exited worker into an outcome.
func (p *Pool) collect(proc *process) outcome.Outcome {
	stderr := proc.stderr.String()
	if msg, ok := initWarning(stderr); ok {
		p.warnOnce.Do(func() {
			p.logger.Warn("worker isolation degraded", "reason", msg)
		})
	}
	if o, ok := proc.result(); ok {
		return o
	}
	if proc.stdout.truncated {
		return outcome.Failed(outcome.FailSerialization,
			fmt.Sprintf("result larger than %s", humanize.IBytes(uint64(p.cfg.MaxResult)))) //nolint:gosec
	}
	if msg, ok := initFailure(stderr); ok {
		return outcome.Failed(outcome.FailSandbox, "worker isolation failed: "+msg)
	}
	p.crashed.Add(1)
	msg := describeExit(proc.waitErr)
	if s := tail(stderr, stderrTail); s != "" {
		msg += ": " + s
	}
	p.logger.Warn("worker crashed", "worker_id", proc.id, "err", msg)
	return outcome.Failed(outcome.FailWorkerCrash, msg)
}

// kill terminates the process group of proc and waits for it to exit.
func (p *Pool) kill(proc *process, reason string, attrs ...any) {
	if proc.exited() {
		return
	}
	if err := killGroup(proc.cmd.Process.Pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Error("worker kill failed", "worker_id", proc.id, "err", err)
	}
	<-proc.done
	p.killed.Add(1)
	p.logger.Info("worker killed", append([]any{"worker_id", proc.id, "reason", reason}, attrs...)...)
}

// reap kills proc if it still runs and removes its scratch directory.
func (p *Pool) reap(proc *process) error {
	if !proc.exited() {
		_ = killGroup(proc.cmd.Process.Pid)
		<-proc.done
	}
	p.reaped.Add(1)
	if err := runner.RemoveScratchDir(proc.scratch); err != nil {
		p.residue.Add(1)
		return err
	}
	return nil
}

// Close stops accepting attempts, waits for attempts in flight until ctx
// ends, and reaps the idle workers.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.refill.Wait()

	var errs []error
	if err := p.sem.Acquire(ctx, int64(p.cfg.Size)); err != nil {
		errs = append(errs, fmt.Errorf("worker: waiting for attempts in flight: %w", err))
	} else {
		p.sem.Release(int64(p.cfg.Size))
	}

	// No sends happen after closed is set and the refills are done.
	close(p.idle)
	var g errgroup.Group
	for proc := range p.idle {
		g.Go(func() error { return p.reap(proc) })
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := p.platform.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
