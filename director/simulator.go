package director

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	goccy "github.com/goccy/go-json"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/console"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/procs"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/pkg/errors"
)

const (
	simulatorName = "opensim"
	daemonName    = "console-daemon"
	// tailLines is how much of the console log a failed exit shows.
	tailLines = 20
)

// Synopsis tells out-of-band tools how to reach the simulator console.
type Synopsis struct {
	Scenario    string       `json:"scenario"`
	ConsoleMode console.Mode `json:"console_mode"`
	ConsoleURL  string       `json:"console_url,omitempty"`
	ConsoleUser string       `json:"console_user,omitempty"`
	SessionLog  string       `json:"session_log,omitempty"`
}

func (d *Director) synopsisPath() string {
	return d.vivariumPath("synopsis", "json")
}

// ensureSimulator starts the simulator and its console unless one is
// already running. It reports whether it started one.
func (d *Director) ensureSimulator() (bool, error) {
	if _, running := d.registry.Simulator(); running {
		return false, nil
	}
	d.closeConsole()
	words, err := d.cfg.Expand(d.cfg.Simulator.Command, nil)
	if err != nil {
		return false, err
	}
	if len(words) == 0 {
		return false, errors.New("empty simulator command")
	}
	dir, err := d.cfg.ExpandPath(d.cfg.Simulator.Dir, nil)
	if err != nil {
		return false, err
	}
	log.Printf("starting simulator in %s", dir)
	p, err := d.registry.Spawn(procs.Spec{
		Name: simulatorName,
		Kind: procs.Simulator,
		Path: words[0],
		Args: words[1:],
		Dir:  dir,
		Env: d.env.With(map[string]string{
			"OPENSIM_ENCOUNTER_LOG": d.encounterLog(),
			"TAG_UA":                d.cfg.Simulator.TagUA,
		}),
		LogPath: d.consoleLog(),
		Stdin:   true,
	})
	if err != nil {
		return false, err
	}
	c, err := d.openConsole(p)
	if err != nil {
		return true, err
	}
	d.setConsole(c)
	return true, nil
}

// closeConsole detaches the console of a previous simulator, stopping its
// daemon so a new one can take the name.
func (d *Director) closeConsole() {
	if c := d.Console(); c != nil {
		if err := c.Close(); err != nil {
			log.Printf("closing console: %v", err)
		}
		d.setConsole(nil)
	}
}

func (d *Director) openConsole(p *procs.Process) (console.Console, error) {
	if d.mode == console.LocalMode {
		return console.NewLocal(p.Stdin()), nil
	}
	timeout := d.cfg.Console.ConnectTimeout.String()
	words, err := d.cfg.Expand(d.cfg.Console.Command, map[string]string{
		"url":      d.cfg.Console.URL,
		"user":     d.cfg.Console.User,
		"password": d.cfg.Console.Password,
		"timeout":  timeout,
	})
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, errors.New("empty console daemon command")
	}
	logPath := d.vivariumPath(daemonName, "log")
	rest := console.NewRest(d.registry, procs.Spec{
		Name:    daemonName,
		Path:    words[0],
		Args:    words[1:],
		Dir:     d.cfg.Root,
		Env:     d.env.List(),
		LogPath: logPath,
	})
	synopsis, err := goccy.MarshalIndent(Synopsis{
		Scenario:    d.scenario,
		ConsoleMode: d.mode,
		ConsoleURL:  d.cfg.Console.URL,
		ConsoleUser: d.cfg.Console.User,
		SessionLog:  logPath,
	}, "", "  ")
	if err != nil {
		return nil, observatory.WithStack(err)
	}
	if err := os.WriteFile(d.synopsisPath(), synopsis, 0644); err != nil {
		return nil, observatory.WithStack(err)
	}
	return rest, nil
}

func (d *Director) runSimulator(ctx context.Context, b script.Block) error {
	started, err := d.ensureSimulator()
	if err != nil {
		return failure(b, err)
	}
	if started && d.cfg.Simulator.SettleDelay > 0 {
		if err := sleep(ctx, d.cfg.Simulator.SettleDelay); err != nil {
			return err
		}
	}
	for _, line := range script.Lines(b.Body) {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := d.simulatorLine(ctx, b, line); err != nil {
			return err
		}
	}
	return nil
}

func (d *Director) simulatorLine(ctx context.Context, b script.Block, line string) error {
	word, rest, _ := strings.Cut(line, " ")
	switch {
	case strings.HasPrefix(line, "#"):
		return nil
	case word == "WAIT":
		ms, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || ms < 0 {
			return failf(b, "invalid %q", line)
		}
		log.Printf("waiting %dms", ms)
		return sleep(ctx, time.Duration(ms)*time.Millisecond)
	case line == "QUIT":
		p, running := d.registry.Simulator()
		if !running {
			log.Printf("simulator is not running")
			return nil
		}
		log.Printf("stopping simulator")
		d.closeConsole()
		d.registry.Terminate(p, procs.SimulatorGrace)
		return nil
	case line == "WAIT_FOR_EXIT":
		return d.waitForExit(ctx, b)
	}
	c := d.Console()
	if c == nil {
		log.Printf("no console attached, dropping %q", line)
		return nil
	}
	log.Printf("  -> simulator: %s", line)
	reply, err := c.Send(ctx, line)
	switch {
	case err != nil:
		log.Printf("console send %q failed: %v", line, err)
	case reply.Response != "":
		log.Printf("  <- simulator (%s): %s", reply.Status, reply.Response)
	}
	return nil
}

func (d *Director) waitForExit(ctx context.Context, b script.Block) error {
	p, found := d.registry.Lookup(simulatorName)
	if !found {
		return failf(b, "simulator was never started")
	}
	log.Printf("waiting for simulator to exit")
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-p.Done():
	}
	if code := p.ExitCode(); code != 0 {
		log.Printf("simulator exited with code %d, last lines of %s:", code, p.LogPath)
		for _, l := range lastLines(p.LogPath, tailLines) {
			log.Printf("  | %s", l)
		}
		return failf(b, "simulator exited with code %d", code)
	}
	log.Printf("simulator exited cleanly")
	return nil
}

func lastLines(path string, n int) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
