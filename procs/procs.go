// Package procs owns every child process of a run: the simulator, the actors
// and auxiliary daemons. Only the Registry terminates them.
package procs

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/pkg/errors"
)

type Kind int

const (
	Simulator Kind = iota
	Actor
	Daemon
)

func (k Kind) String() string {
	switch k {
	case Simulator:
		return "simulator"
	case Actor:
		return "actor"
	default:
		return "daemon"
	}
}

type State int

const (
	Spawned State = iota
	Running
	ExitedClean
	ExitedAbnormally
	Killed
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "spawned"
	case Running:
		return "running"
	case ExitedClean:
		return "exited"
	case ExitedAbnormally:
		return "exited abnormally"
	default:
		return "killed"
	}
}

const (
	ActorGrace     = 2 * time.Second
	DaemonGrace    = 2 * time.Second
	SimulatorGrace = 5 * time.Second
)

var (
	ErrNameTaken        = errors.New("a live process already has this name")
	ErrSimulatorRunning = errors.New("a simulator is already running")
)

// Spec describes a process to spawn. Output goes to LogPath unless
// PipeStdout is set, in which case stdout is readable through
// Process.Stdout and only stderr goes to the log.
type Spec struct {
	Name       string
	Kind       Kind
	Path       string
	Args       []string
	Dir        string
	Env        []string
	LogPath    string
	Stdin      bool
	PipeStdout bool
}

type Process struct {
	Name    string
	Kind    Kind
	LogPath string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *os.File
	done   chan struct{}

	mutex    sync.Mutex
	state    State
	exitCode int
	killed   bool
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin is nil unless the Spec asked for it.
func (p *Process) Stdin() io.Writer {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

// Stdout is nil unless the Spec asked for PipeStdout.
func (p *Process) Stdout() io.Reader {
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode is -1 while running or after a signal.
func (p *Process) ExitCode() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.exitCode
}

// Wait blocks until the process exits and returns its exit code.
func (p *Process) Wait() int {
	<-p.done
	return p.ExitCode()
}

func (p *Process) String() string {
	return fmt.Sprintf("%s %q", p.Kind, p.Name)
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mutex.Lock()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	switch {
	case p.killed:
		p.state = Killed
	case err == nil:
		p.state = ExitedClean
	default:
		p.state = ExitedAbnormally
	}
	p.mutex.Unlock()
	if p.log != nil {
		p.log.Close()
	}
	close(p.done)
}

// signal marks the process as terminated by the registry before sending sig.
func (p *Process) signal(sig os.Signal) {
	p.mutex.Lock()
	p.killed = true
	p.mutex.Unlock()
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Printf("signalling %v: %v", p, err)
	}
}

// Registry tracks processes in creation order.
type Registry struct {
	mutex sync.Mutex
	procs []*Process
}

func (r *Registry) Spawn(spec Spec) (*Process, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, p := range r.procs {
		if !p.Alive() {
			continue
		}
		if p.Name == spec.Name {
			return nil, errors.Wrapf(ErrNameTaken, "spawning %q", spec.Name)
		}
		if spec.Kind == Simulator && p.Kind == Simulator {
			return nil, errors.Wrapf(ErrSimulatorRunning, "spawning %q", spec.Name)
		}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	p := &Process{
		Name:     spec.Name,
		Kind:     spec.Kind,
		LogPath:  spec.LogPath,
		cmd:      cmd,
		done:     make(chan struct{}),
		state:    Spawned,
		exitCode: -1,
	}
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0755); err != nil {
			return nil, observatory.WithStack(err)
		}
		f, err := os.Create(spec.LogPath)
		if err != nil {
			return nil, observatory.WithStack(err)
		}
		p.log = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	var err error
	if spec.Stdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			p.closeLog()
			return nil, observatory.WithStack(err)
		}
	}
	// Our own pipe, so that Wait does not close the read end under a reader.
	var stdoutWriter *os.File
	if spec.PipeStdout {
		reader, writer, err := os.Pipe()
		if err != nil {
			p.closeLog()
			return nil, observatory.WithStack(err)
		}
		p.stdout, stdoutWriter = reader, writer
		cmd.Stdout = writer
	}
	err = cmd.Start()
	if stdoutWriter != nil {
		stdoutWriter.Close()
	}
	if err != nil {
		p.closeLog()
		if p.stdout != nil {
			p.stdout.Close()
		}
		return nil, errors.Wrapf(err, "starting %v", p)
	}
	p.state = Running
	r.procs = append(r.procs, p)
	log.Printf("started %v (pid %d)", p, p.Pid())
	go p.reap()
	return p, nil
}

func (p *Process) closeLog() {
	if p.log != nil {
		p.log.Close()
	}
}

// Lookup returns the most recent process with name, dead or alive.
func (r *Registry) Lookup(name string) (*Process, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, p := range slices.Backward(r.procs) {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Simulator returns the live simulator, if any.
func (r *Registry) Simulator() (*Process, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, p := range r.procs {
		if p.Kind == Simulator && p.Alive() {
			return p, true
		}
	}
	return nil, false
}

// Processes returns a snapshot in creation order.
func (r *Registry) Processes() []*Process {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]*Process(nil), r.procs...)
}

// Terminate sends SIGTERM, waits up to grace, then kills.
func (r *Registry) Terminate(p *Process, grace time.Duration) {
	if !p.Alive() {
		return
	}
	log.Printf("terminating %v", p)
	p.signal(syscall.SIGTERM)
	if p.stdin != nil {
		p.stdin.Close()
	}
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	log.Printf("killing %v", p)
	p.signal(os.Kill)
	<-p.done
}

// Shutdown terminates actors newest first, then daemons, then the simulator.
func (r *Registry) Shutdown() {
	procs := r.Processes()
	for _, kind := range []Kind{Actor, Daemon, Simulator} {
		grace := map[Kind]time.Duration{Actor: ActorGrace, Daemon: DaemonGrace, Simulator: SimulatorGrace}[kind]
		for _, p := range slices.Backward(procs) {
			if p.Kind == kind {
				r.Terminate(p, grace)
			}
		}
	}
}

// KillAll kills every live process without waiting.
func (r *Registry) KillAll() {
	for _, p := range r.Processes() {
		if p.Alive() {
			p.signal(os.Kill)
		}
	}
}
