// Package evidence keeps the ordered pass/fail observations of a run and
// renders the expedition report.
package evidence

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/lang"
	"github.com/rodaine/table"
)

type Kind int

const (
	State Kind = iota
	Event
	Sensor
)

func (k Kind) String() string {
	switch k {
	case Event:
		return "Event"
	case Sensor:
		return "Sensor"
	default:
		return "State"
	}
}

type Entry struct {
	Title   string
	Frame   string
	Passed  bool
	Details string
	Kind    Kind
}

func (e Entry) Result() string {
	if e.Passed {
		return "PASSED"
	}
	return "FAILED"
}

// Log is append-only and safe for concurrent use.
type Log struct {
	mutex   sync.Mutex
	entries []Entry
}

func (l *Log) Record(e Entry) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.entries = append(l.entries, e)
}

func (l *Log) Entries() []Entry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Passed is true when at least one entry exists and every entry passed.
func (l *Log) Passed() bool {
	entries := l.Entries()
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !e.Passed {
			return false
		}
	}
	return true
}

const (
	reportWidth = 100
	ReportTitle = "NATURALIST OBSERVATORY: EXPEDITION REPORT"
	Success     = "MISSION SUCCESS"
	Failure     = "MISSION FAILURE"
	Empty       = "NO OBSERVATIONS RECORDED"
)

func center(s string) string {
	if len(s) >= reportWidth {
		return s
	}
	pad := (reportWidth - len(s)) / 2
	return strings.Repeat(" ", pad) + s
}

// Verdict returns the banner for the current entries.
func (l *Log) Verdict() string {
	switch {
	case l.Passed():
		return Success
	case len(l.Entries()) == 0:
		return Empty
	default:
		return Failure
	}
}

// Render writes the report. subtitle lines (scenario title, unknown
// front-matter) are centered under the report title.
func (l *Log) Render(w io.Writer, subtitle ...string) {
	entries := l.Entries()
	rule := strings.Repeat("=", reportWidth)

	fmt.Fprintf(w, "\n%s\n%s\n", rule, center(ReportTitle))
	for _, s := range subtitle {
		if s != "" {
			fmt.Fprintln(w, center(s))
		}
	}
	fmt.Fprintln(w, rule)

	t := table.New("OBSERVATION", "FRAME", "RESULT", "TYPE").WithWriter(w)
	var failed []string
	for _, e := range entries {
		t.AddRow(e.Title, e.Frame, e.Result(), e.Kind)
		if !e.Passed {
			failed = append(failed, e.Title)
		}
	}
	t.Print()

	for _, e := range entries {
		if !e.Passed {
			fmt.Fprintf(w, "  %s -> EVIDENCE MISSING: %s\n", e.Title, e.Details)
		}
	}

	fmt.Fprintf(w, "%s\n%s\n", rule, center(l.Verdict()))
	fmt.Fprintf(w, "%s\n", center(fmt.Sprintf("%s, %s failed", lang.Capitalize(lang.Card(len(entries), "observation")), lang.Number(len(failed)))))
	if len(failed) > 0 {
		fmt.Fprintf(w, "%s\n", center("Missing: "+lang.Enumerator{Pattern: "%q"}.Do(failed...)))
	}
	fmt.Fprintf(w, "%s\n\n", rule)
}

// ExitCode is 0 only on full success.
func (l *Log) ExitCode() int {
	if l.Passed() {
		return 0
	}
	return 1
}
