// Package director executes a scenario: it owns the process registry, the
// console, the actor roster, the sensors and the evidence of one run.
package director

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/config"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/console"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/evidence"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/lang"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/procs"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/sensor"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/teleplay"
	"github.com/pkg/errors"
)

var (
	ErrInterrupted = errors.New("interrupted")
	ErrSensorAbort = sensor.ErrAbort
)

// Failure is an execution or assertion failure of one block. Observed is set
// when the failure is already in the evidence log.
type Failure struct {
	Block    script.Block
	Err      error
	Observed bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s block #%d: %v", f.Block.Kind, f.Block.Index+1, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func failf(b script.Block, format string, args ...any) *Failure {
	return &Failure{Block: b, Err: errors.Errorf(format, args...)}
}

func failure(b script.Block, err error) *Failure {
	return &Failure{Block: b, Err: observatory.WithStack(err)}
}

type Options struct {
	Config   *config.Config
	Scenario string
	// Variant and ConsoleMode override the scenario front-matter when set.
	Variant     string
	ConsoleMode string
	// Out receives the report and the output of shell blocks.
	Out io.Writer
	// Debug logs stack traces of failures.
	Debug bool
}

type Director struct {
	cfg      *config.Config
	opts     Options
	out      io.Writer
	scenario string

	doc      *teleplay.Document
	env      *environ
	registry *procs.Registry
	evidence *evidence.Log
	roster   *observatory.SyncMap[string, *Actor]
	sensors  *sensor.Group
	mode     console.Mode
	nextPort int

	consoleMutex sync.Mutex
	console      console.Console

	ctx        context.Context
	cancel     context.CancelCauseFunc
	interrupts atomic.Int32
	// exit ends the process on a second interrupt.
	exit func(code int)

	finishOnce sync.Once
}

func New(opts Options) *Director {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	d := &Director{
		cfg:      opts.Config,
		opts:     opts,
		out:      out,
		scenario: teleplay.ScenarioName(opts.Scenario),
		registry: &procs.Registry{},
		evidence: &evidence.Log{},
		roster:   observatory.NewSyncMap[string, *Actor](),
		nextPort: opts.Config.PortBase,
		exit:     os.Exit,
	}
	d.sensors = sensor.NewGroup(d)
	d.ctx, d.cancel = context.WithCancelCause(context.Background())
	return d
}

func (d *Director) Evidence() *evidence.Log {
	return d.evidence
}

func (d *Director) Registry() *procs.Registry {
	return d.registry
}

// Record, Abort and Console make the Director a sensor.Host.

func (d *Director) Record(e evidence.Entry) {
	d.evidence.Record(e)
}

func (d *Director) Abort(cause error) {
	log.Printf("shutdown requested: %v", cause)
	d.cancel(cause)
}

func (d *Director) Console() console.Console {
	d.consoleMutex.Lock()
	defer d.consoleMutex.Unlock()
	return d.console
}

func (d *Director) setConsole(c console.Console) {
	d.consoleMutex.Lock()
	defer d.consoleMutex.Unlock()
	d.console = c
}

// Interrupt handles one SIGINT or SIGTERM. The first requests graceful
// shutdown, the second kills everything and exits.
func (d *Director) Interrupt() {
	if d.interrupts.Add(1) == 1 {
		log.Printf("interrupt received, cleaning up (interrupt again to force quit)")
		d.cancel(ErrInterrupted)
		return
	}
	log.Printf("forced shutdown, killing all processes")
	d.registry.KillAll()
	d.exit(1)
}

func (d *Director) vivariumPath(parts ...string) string {
	return filepath.Join(d.cfg.Vivarium, fmt.Sprintf("encounter.%s.%s", d.scenario, strings.Join(parts, ".")))
}

func (d *Director) encounterLog() string {
	return d.vivariumPath("territory", "log")
}

func (d *Director) consoleLog() string {
	p, err := d.cfg.ExpandPath(d.cfg.Simulator.ConsoleLog, nil)
	if err != nil {
		return d.vivariumPath("console", "log")
	}
	return p
}

func (d *Director) actorLog(name string) string {
	return d.vivariumPath("visitant", strings.ReplaceAll(name, " ", ""), "log")
}

// LogPath resolves verify, await and sensor subjects.
func (d *Director) LogPath(subject string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(subject)) {
	case "":
		return "", errors.New("empty subject")
	case "territory", "simulator":
		return d.encounterLog(), nil
	case "console":
		return d.consoleLog(), nil
	}
	return d.actorLog(strings.TrimSpace(subject)), nil
}

func (d *Director) load() error {
	meta := map[string]string{}
	if raw, err := os.ReadFile(d.opts.Scenario); err == nil {
		meta, _, _ = teleplay.SplitFrontMatter(string(raw))
	}
	variant := d.opts.Variant
	if variant == "" {
		variant = teleplay.Value(meta, teleplay.VariantKey)
	}
	if variant == "" {
		variant = d.cfg.Variant
	}
	doc, err := teleplay.Load(d.opts.Scenario, teleplay.Options{
		Variant:   variant,
		ReifyPath: d.vivariumPath("teleplay", "md"),
	})
	if err != nil {
		return err
	}
	d.doc = doc
	mode := d.opts.ConsoleMode
	if mode == "" {
		mode = teleplay.Value(doc.Meta, teleplay.ConsoleKey)
	}
	if mode == "" {
		mode = d.cfg.Console.Mode
	}
	if d.mode, err = console.ParseMode(mode); err != nil {
		return err
	}
	if d.env, err = baseEnviron(d.cfg); err != nil {
		return err
	}
	return nil
}

// Run executes the scenario and returns the process exit code. The report
// and cleanup run exactly once, whatever stopped the run.
func (d *Director) Run() int {
	log.Printf("loading scenario %s", d.opts.Scenario)
	if err := d.load(); err != nil {
		log.Printf("invalid scenario: %v", err)
		return 1
	}
	log.Printf("%d blocks, console %s, teleplay %s", len(d.doc.Blocks), d.mode, d.vivariumPath("teleplay", "md"))

	var runErr error
	for _, b := range d.doc.Blocks {
		if d.ctx.Err() != nil {
			break
		}
		log.Printf("--- STEP %d: %s %s ---", b.Index+1, strings.ToUpper(b.Kind.String()), b.Argument)
		if err := d.execute(d.ctx, b); err != nil {
			runErr = err
			break
		}
	}
	return d.finish(runErr)
}

func (d *Director) finish(runErr error) int {
	code := 1
	d.finishOnce.Do(func() {
		cause := context.Cause(d.ctx)
		var f *Failure
		switch {
		case errors.As(runErr, &f):
			// An interrupted block is not a failure of that block.
			if cause == nil || !errors.Is(runErr, cause) {
				d.logFailure(runErr)
				if !f.Observed {
					d.evidence.Record(evidence.Entry{
						Title:   fmt.Sprintf("%s block #%d", f.Block.Kind, f.Block.Index+1),
						Frame:   "Director",
						Details: f.Err.Error(),
					})
				}
			}
		case runErr != nil:
			d.logFailure(runErr)
		}

		running := 0
		for _, s := range d.sensors.Sensors() {
			if s.Running() {
				running++
			}
		}
		log.Printf("stopping %s", lang.Card(running, "sensor"))
		d.sensors.Stop()
		d.evidence.Render(d.out, append([]string{d.doc.Title()}, d.doc.Extras()...)...)
		d.shutdown()
		if cast := d.castList(); len(cast) > 0 {
			log.Printf("cast: %s", lang.Enumerator{}.Do(cast...))
		}

		if runErr == nil && cause == nil {
			code = d.evidence.ExitCode()
		}
		if code == 0 {
			log.Printf("scenario completed successfully")
		} else {
			log.Printf("scenario failed")
		}
		d.cancel(nil)
	})
	return code
}

func (d *Director) logFailure(err error) {
	log.Printf("FAILED: %v", err)
	if d.opts.Debug {
		log.Printf("%s", observatory.StackTrace(err))
	}
}

func (d *Director) shutdown() {
	log.Printf("graceful shutdown initiated")
	d.closeConsole()
	d.registry.Shutdown()
	log.Printf("shutdown complete")
}

func (d *Director) execute(ctx context.Context, b script.Block) error {
	switch b.Kind {
	case script.Bash:
		return d.runBash(ctx, b, false)
	case script.BashExport:
		return d.runBash(ctx, b, true)
	case script.Cast:
		return d.runCast(ctx, b)
	case script.LegacyCast:
		return d.runLegacyCast(ctx, b)
	case script.Simulator:
		return d.runSimulator(ctx, b)
	case script.ActorCommand:
		return d.runActor(ctx, b, false)
	case script.ActorStrictCommand:
		return d.runActor(ctx, b, true)
	case script.Verify:
		return d.runVerify(b)
	case script.Await:
		return d.runAwait(ctx, b)
	case script.AsyncSensor:
		return d.runSensor(ctx, b)
	case script.Wait:
		return d.runWait(ctx, b)
	}
	return nil
}

// sleep waits for dur unless ctx is cancelled first.
func sleep(ctx context.Context, dur time.Duration) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-time.After(dur):
		return nil
	}
}
