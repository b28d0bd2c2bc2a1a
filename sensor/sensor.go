// Package sensor runs background watchers that tail a log for the lifetime
// of a run and react when a line matches.
package sensor

import (
	"bytes"
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

	"github.com/fsnotify/fsnotify"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/console"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/evidence"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/verify"
	"github.com/pkg/errors"
)

// PollInterval bounds the delay between checks when no file event arrives.
const PollInterval = 250 * time.Millisecond

var (
	ErrAbort     = errors.New("sensor requested abort")
	ErrNoConsole = errors.New("no console attached")
)

type Action int

const (
	Log Action = iota
	Abort
	Alert
)

func (a Action) String() string {
	switch a {
	case Abort:
		return "abort"
	case Alert:
		return "alert"
	default:
		return "log"
	}
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "", "log":
		return Log, nil
	case "abort":
		return Abort, nil
	case "alert":
		return Alert, nil
	}
	return Log, errors.Errorf("unknown sensor action %q", s)
}

// Host is what a sensor may touch when it fires.
type Host interface {
	Record(evidence.Entry)
	// Abort requests the same shutdown an interrupt would.
	Abort(cause error)
	// Console returns nil until the simulator has started.
	Console() console.Console
}

type Sensor struct {
	*verify.Check
	Path    string
	Action  Action
	Payload string

	running  atomic.Bool
	existed  bool
	diagSeen bool
}

// Parse reads an async-sensor body. The log path is resolved separately.
func Parse(body string) (*Sensor, error) {
	check, err := verify.Parse(body, "Untitled Sensor")
	if err != nil {
		return nil, err
	}
	action, err := ParseAction(check.Fields["action"])
	if err != nil {
		return nil, errors.Wrapf(err, "%q", check.Title)
	}
	s := &Sensor{Check: check, Action: action, Payload: check.Fields["payload"]}
	if action == Alert && s.Payload == "" {
		return nil, errors.Errorf("%q: alert sensors need a payload", check.Title)
	}
	return s, nil
}

func (s *Sensor) Running() bool {
	return s.running.Load()
}

func (s *Sensor) String() string {
	return fmt.Sprintf("sensor %q (%v on %v)", s.Title, s.Action, s.Predicate)
}

func (s *Sensor) entry(passed bool, details string) evidence.Entry {
	return evidence.Entry{Title: s.Title, Frame: s.Frame, Passed: passed, Details: details, Kind: evidence.Sensor}
}

// fire handles one matching line. It returns false once the sensor must
// stop.
func (s *Sensor) fire(ctx context.Context, host Host, line string) bool {
	details := fmt.Sprintf("Triggered by %q", line)
	if s.Payload != "" {
		details = fmt.Sprintf("%s: %s", s.Payload, details)
	}
	log.Printf("%v fired: %s", s, line)
	switch s.Action {
	case Abort:
		host.Record(s.entry(false, details))
		host.Abort(errors.Wrapf(ErrAbort, "%q", s.Title))
		return false
	case Alert:
		c := host.Console()
		if c == nil {
			log.Printf("INTERNAL ERROR: %v fired with %v, alert %q is lost", s, ErrNoConsole, s.Payload)
			host.Record(s.entry(false, fmt.Sprintf("%v, alert %q lost (%s)", ErrNoConsole, s.Payload, details)))
			return true
		}
		if _, err := c.Send(ctx, s.Payload); err != nil {
			log.Printf("%v: sending alert %q: %v", s, s.Payload, err)
		}
		host.Record(s.entry(true, details))
	default:
		host.Record(s.entry(true, details))
	}
	return true
}

// tail follows one file through creation and truncation.
type tail struct {
	path    string
	opened  bool
	offset  int64
	partial []byte
}

// read returns the complete lines appended since the last read.
func (t *tail) read(fromEnd bool) ([]string, error) {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !t.opened {
		t.opened = true
		if fromEnd {
			t.offset = fi.Size()
		}
	}
	if fi.Size() < t.offset {
		t.offset, t.partial = 0, nil
	}
	if fi.Size() == t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	t.offset += int64(len(b))
	b = append(t.partial, b...)
	var lines []string
	for {
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(b[:idx]), "\r"))
		b = b[idx+1:]
	}
	t.partial = append([]byte(nil), b...)
	return lines, nil
}

// watch delivers a tick whenever the file may have changed.
func watch(ctx context.Context, path string, interval time.Duration) <-chan struct{} {
	ticks := make(chan struct{}, 1)
	poke := func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
		} else {
			events = watcher.Events
		}
	}
	if err != nil {
		log.Printf("watching %s: %v, polling every %v", path, err, interval)
	}
	go func() {
		if events != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		poke()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poke()
			case event, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Clean(event.Name) == filepath.Clean(path) {
					poke()
				}
			}
		}
	}()
	return ticks
}

func (s *Sensor) run(ctx context.Context, host Host, interval time.Duration) {
	defer s.running.Store(false)
	t := &tail{path: s.Path}
	ticks := watch(ctx, s.Path, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}
		lines, err := t.read(s.existed)
		if err != nil {
			log.Printf("%v: %v", s, err)
			continue
		}
		for _, line := range lines {
			matched, diag := s.Predicate.Match(line)
			if diag != nil && !s.diagSeen {
				s.diagSeen = true
				log.Printf("%v: %v", s, diag)
			}
			if matched && !s.fire(ctx, host, line) {
				return
			}
		}
	}
}

// Group owns the goroutines of all declared sensors.
type Group struct {
	Host     Host
	Interval time.Duration

	mutex   sync.Mutex
	cancels []context.CancelFunc
	sensors []*Sensor
	wg      sync.WaitGroup
}

func NewGroup(host Host) *Group {
	return &Group{Host: host, Interval: PollInterval}
}

// Start launches s in the background. A file that already exists is tailed
// from its current end, a file created later from its start.
func (g *Group) Start(ctx context.Context, s *Sensor) {
	_, err := os.Stat(s.Path)
	s.existed = err == nil
	s.running.Store(true)

	ctx, cancel := context.WithCancel(ctx)
	g.mutex.Lock()
	g.cancels = append(g.cancels, cancel)
	g.sensors = append(g.sensors, s)
	g.mutex.Unlock()

	log.Printf("%v watching %s", s, s.Path)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		s.run(ctx, g.Host, g.Interval)
	}()
}

func (g *Group) Sensors() []*Sensor {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return append([]*Sensor(nil), g.sensors...)
}

// Stop cancels every sensor and waits for them to return.
func (g *Group) Stop() {
	g.mutex.Lock()
	cancels := g.cancels
	g.cancels = nil
	g.mutex.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	g.wg.Wait()
}
