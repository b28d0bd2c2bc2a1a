// Package verify evaluates verify and await blocks against log files.
package verify

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/evidence"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/query"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/pkg/errors"
)

const (
	DefaultTimeout = 30 * time.Second
	PollInterval   = 500 * time.Millisecond
	DefaultFrame   = "General"
)

var ErrNoTarget = errors.New("no file or subject specified")

// Subjects resolves shorthand subjects to log paths.
type Subjects interface {
	LogPath(subject string) (string, error)
}

// Check is the parsed body of a verify, await or async-sensor block.
type Check struct {
	Title     string
	Frame     string
	File      string
	Subject   string
	Predicate *query.Predicate
	Timeout   time.Duration
	Fields    map[string]string
}

// Parse reads the common keys. untitled is used when the block has no title.
func Parse(body, untitled string) (*Check, error) {
	fields := script.Fields(body)
	c := &Check{
		Title:   fields["title"],
		Frame:   fields["frame"],
		File:    fields["file"],
		Subject: fields["subject"],
		Timeout: DefaultTimeout,
		Fields:  fields,
	}
	if c.Title == "" {
		c.Title = untitled
	}
	if c.Frame == "" {
		c.Frame = DefaultFrame
	}
	if c.File == "" && c.Subject == "" {
		return nil, errors.Wrapf(ErrNoTarget, "%q", c.Title)
	}
	if ms, found := fields["timeout"]; found {
		n, err := strconv.Atoi(ms)
		if err != nil || n < 0 {
			return nil, errors.Errorf("%q: timeout %q is not a number of milliseconds", c.Title, ms)
		}
		c.Timeout = time.Duration(n) * time.Millisecond
	}
	var err error
	if c.Predicate, err = query.New(fields["contains"], fields["query"]); err != nil {
		return nil, errors.Wrapf(err, "%q", c.Title)
	}
	if diag := c.Predicate.Valid(); diag != nil {
		log.Printf("%q: %v", c.Title, diag)
	}
	return c, nil
}

// Path resolves the target log. An explicit file wins over a subject, and
// relative files are taken relative to root.
func (c *Check) Path(root string, subjects Subjects) (string, error) {
	if c.File != "" {
		if filepath.IsAbs(c.File) {
			return c.File, nil
		}
		return filepath.Join(root, c.File), nil
	}
	return subjects.LogPath(c.Subject)
}

type Outcome struct {
	Passed     bool
	Details    string
	Line       string
	Diagnostic error
}

func (c *Check) scan(path string) (Outcome, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Outcome{Details: fmt.Sprintf("File %s does not exist.", path)}, false
	}
	line, found, diag := c.Predicate.Scan(string(b))
	return Outcome{Passed: found, Line: line, Diagnostic: diag}, true
}

// Once reads path a single time.
func (c *Check) Once(path string) Outcome {
	o, exists := c.scan(path)
	switch {
	case !exists:
	case o.Passed:
		o.Details = fmt.Sprintf("Found %v in %s", c.Predicate, filepath.Base(path))
	default:
		o.Details = fmt.Sprintf("Pattern %v NOT found in %s", c.Predicate, filepath.Base(path))
	}
	c.report(o)
	return o
}

// Await reads path every interval until it matches or the timeout passes.
// The error is non-nil only if ctx was cancelled.
func (c *Check) Await(ctx context.Context, path string, interval time.Duration) (Outcome, error) {
	start := time.Now()
	o := Outcome{}
	matched, err := observatory.WaitForCondition(ctx, c.Timeout, interval, func() bool {
		o, _ = c.scan(path)
		return o.Passed
	})
	switch {
	case err != nil:
		o = Outcome{Details: fmt.Sprintf("Interrupted waiting for %v in %s", c.Predicate, filepath.Base(path)), Diagnostic: o.Diagnostic}
	case matched:
		o.Details = fmt.Sprintf("Event observed: %v after %v", c.Predicate, time.Since(start).Round(time.Millisecond))
	default:
		o.Passed = false
		o.Details = fmt.Sprintf("Timeout waiting for %v in %s", c.Predicate, filepath.Base(path))
	}
	c.report(o)
	return o, err
}

func (c *Check) report(o Outcome) {
	if o.Diagnostic != nil {
		log.Printf("%q: %v", c.Title, o.Diagnostic)
	}
	if o.Passed {
		log.Printf("PASSED %q: %s", c.Title, o.Details)
	} else {
		log.Printf("FAILED %q: %s", c.Title, o.Details)
	}
}

// Entry converts an outcome to evidence.
func (c *Check) Entry(o Outcome, kind evidence.Kind) evidence.Entry {
	return evidence.Entry{
		Title:   c.Title,
		Frame:   c.Frame,
		Passed:  o.Passed,
		Details: o.Details,
		Kind:    kind,
	}
}
