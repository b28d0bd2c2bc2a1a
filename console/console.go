// Package console sends operator commands to the running simulator, either
// straight into its stdin or through the REST console daemon.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/procs"
	"github.com/pkg/errors"

	goccy "github.com/goccy/go-json"
)

type Mode string

const (
	LocalMode Mode = "local"
	RestMode  Mode = "rest"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", LocalMode:
		return LocalMode, nil
	case RestMode:
		return RestMode, nil
	}
	return "", errors.Errorf("unknown console mode %q, want %q or %q", s, LocalMode, RestMode)
}

const (
	StatusOK      = "OK"
	StatusTimeout = "TIMEOUT"
	StatusSent    = "SENT"
	StatusBroken  = "BROKEN"
)

var (
	ErrBroken       = errors.New("console is broken")
	ErrDaemonClosed = errors.New("console daemon closed its output")
)

// Reply is one line of the daemon protocol. Local sends synthesize it.
type Reply struct {
	Command  string `json:"command,omitempty"`
	Response string `json:"response,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handshake is the first line the daemon prints.
type Handshake struct {
	Event     string `json:"event,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Console is safe for concurrent use.
type Console interface {
	Send(ctx context.Context, command string) (Reply, error)
	Close() error
}

// Local writes commands to the simulator's stdin.
type Local struct {
	mutex  sync.Mutex
	w      io.Writer
	broken bool
}

func NewLocal(w io.Writer) *Local {
	return &Local{w: w}
}

// Send fails only when ctx ends before the simulator takes the line. A write
// error or an abandoned write marks the console broken and later sends are
// dropped.
func (l *Local) Send(ctx context.Context, command string) (Reply, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.broken {
		log.Printf("simulator pipe is broken, dropping %q", command)
		return Reply{Command: command, Status: StatusBroken}, nil
	}
	written := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(l.w, "%s\n", command)
		written <- err
	}()
	select {
	case err := <-written:
		if err != nil {
			log.Printf("simulator pipe broken: %v", err)
			l.broken = true
			return Reply{Command: command, Status: StatusBroken}, nil
		}
		return Reply{Command: command, Status: StatusSent}, nil
	case <-ctx.Done():
		log.Printf("simulator stopped reading its console, abandoning %q", command)
		l.broken = true
		return Reply{Command: command, Status: StatusBroken}, context.Cause(ctx)
	}
}

func (l *Local) Close() error {
	return nil
}

// Rest talks to a console daemon spawned through the registry on first use.
// Replies are read without a deadline; only ctx cancellation interrupts a
// pending read, and that leaves the console broken.
type Rest struct {
	registry *procs.Registry
	spec     procs.Spec
	daemon   atomic.Pointer[procs.Process]
	// done stops the stdout reader once the console is closed.
	done      chan struct{}
	closeOnce sync.Once
	readerEnd chan struct{}

	mutex     sync.Mutex
	proc      *procs.Process
	lines     chan []byte
	sessionID string
	err       error
}

func NewRest(registry *procs.Registry, spec procs.Spec) *Rest {
	spec.Kind = procs.Daemon
	spec.Stdin = true
	spec.PipeStdout = true
	return &Rest{registry: registry, spec: spec, done: make(chan struct{}), readerEnd: make(chan struct{})}
}

// SessionID is empty until the daemon has connected.
func (r *Rest) SessionID() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.sessionID
}

func (r *Rest) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	defer close(r.readerEnd)
	defer close(r.lines)
	for scanner.Scan() {
		select {
		case r.lines <- append([]byte(nil), scanner.Bytes()...):
		case <-r.done:
			return
		}
	}
}

func (r *Rest) next(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-r.lines:
		if !ok {
			return nil, observatory.WithStack(ErrDaemonClosed)
		}
		return line, nil
	case <-r.done:
		return nil, observatory.WithStack(ErrDaemonClosed)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// start spawns the daemon and waits for its handshake on first use.

func (r *Rest) start(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	select {
	case <-r.done:
		return errors.Wrap(ErrBroken, "console is closed")
	default:
	}
	if r.proc != nil {
		return nil
	}
	proc, err := r.registry.Spawn(r.spec)
	if err != nil {
		r.err = err
		return err
	}
	r.proc = proc
	r.daemon.Store(proc)
	r.lines = make(chan []byte, 16)
	go r.readLines(proc.Stdout())

	line, err := r.next(ctx)
	if err != nil {
		r.err = errors.Wrap(err, "waiting for console daemon handshake")
		return r.err
	}
	hs := Handshake{}
	if err := goccy.Unmarshal(line, &hs); err != nil {
		r.err = errors.Wrapf(err, "parsing console daemon handshake %q", line)
		return r.err
	}
	if hs.Error != "" || hs.Event != "connected" {
		r.err = errors.Errorf("console daemon did not connect: %s", line)
		return r.err
	}
	r.sessionID = hs.SessionID
	log.Printf("console daemon connected, session %s", hs.SessionID)
	return nil
}

func (r *Rest) Send(ctx context.Context, command string) (Reply, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.start(ctx); err != nil {
		return Reply{Command: command, Status: StatusBroken}, err
	}
	if _, err := fmt.Fprintf(r.proc.Stdin(), "%s\n", command); err != nil {
		r.err = errors.Wrap(ErrBroken, err.Error())
		return Reply{Command: command, Status: StatusBroken}, r.err
	}
	line, err := r.next(ctx)
	if err != nil {
		r.err = errors.Wrap(ErrBroken, err.Error())
		return Reply{Command: command, Status: StatusBroken}, err
	}
	reply := Reply{}
	if err := goccy.Unmarshal(line, &reply); err != nil {
		return Reply{Command: command}, errors.Wrapf(err, "parsing console reply %q", line)
	}
	if reply.Error != "" {
		return reply, errors.Errorf("console daemon: %s", reply.Error)
	}
	return reply, nil
}

// Close terminates the daemon if it was started and waits up to the daemon
// grace period for its output reader to stop. It does not wait for a pending
// Send, which fails once the daemon is gone.
func (r *Rest) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	proc := r.daemon.Load()
	if proc == nil {
		return nil
	}
	r.registry.Terminate(proc, procs.DaemonGrace)
	select {
	case <-r.readerEnd:
	case <-time.After(procs.DaemonGrace):
		log.Printf("output of %v is still open after it exited", proc)
	}
	return nil
}
