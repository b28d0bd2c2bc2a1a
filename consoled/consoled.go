// Package consoled bridges the simulator's HTTP console to a line protocol:
// commands arrive one per line on stdin, and each is answered by one JSON
// line on stdout.
package consoled

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/console"
	"github.com/pkg/errors"

	goccy "github.com/goccy/go-json"
)

const (
	DefaultRequestTimeout = 250 * time.Millisecond
	ConnectInterval       = 250 * time.Millisecond
	PollInterval          = 200 * time.Millisecond
	CommandTimeout        = 10 * time.Second

	responseSeparator = "#---"
)

var ErrNoSession = errors.New("no console session")

type Line struct {
	Text    string `xml:",chardata"`
	Input   string `xml:"Input,attr"`
	Prompt  string `xml:"Prompt,attr"`
	Command string `xml:"Command,attr"`
}

func (l Line) IsInput() bool   { return l.Input == "true" }
func (l Line) IsPrompt() bool  { return l.Prompt == "true" }
func (l Line) IsCommand() bool { return l.Command == "true" }

type response struct {
	XMLName   xml.Name `xml:"ConsoleSession"`
	SessionID string   `xml:"SessionID"`
	Lines     []Line   `xml:"Line"`
}

// Session is one logged-in console session.
type Session struct {
	BaseURL  string
	User     string
	Password string
	Client   *http.Client

	ID string

	CommandTimeout time.Duration
	PollInterval   time.Duration
}

func NewSession(baseURL, user, password string) *Session {
	return &Session{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		User:           user,
		Password:       password,
		Client:         &http.Client{Timeout: DefaultRequestTimeout},
		CommandTimeout: CommandTimeout,
		PollInterval:   PollInterval,
	}
}

func (s *Session) request(ctx context.Context, path string, form url.Values) (string, error) {
	method := http.MethodGet
	var body io.Reader
	if form != nil {
		method = http.MethodPost
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, body)
	if err != nil {
		return "", observatory.WithStack(err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", observatory.WithStack(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", observatory.WithStack(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return string(b), nil
}

// Connect starts a session and stores its ID.
func (s *Session) Connect(ctx context.Context) error {
	body, err := s.request(ctx, "/StartSession/", url.Values{"USER": {s.User}, "PASS": {s.Password}})
	if err != nil {
		return err
	}
	parsed := response{}
	if err := xml.Unmarshal([]byte(strings.TrimSpace(body)), &parsed); err != nil {
		return errors.Wrapf(err, "parsing session response")
	}
	if id := strings.TrimSpace(parsed.SessionID); id != "" {
		s.ID = id
		return nil
	}
	return errors.Errorf("no session id in %q", body)
}

// Send submits command without waiting for its output.
func (s *Session) Send(ctx context.Context, command string) error {
	if s.ID == "" {
		return observatory.WithStack(ErrNoSession)
	}
	body, err := s.request(ctx, "/SessionCommand/", url.Values{"ID": {s.ID}, "COMMAND": {command}})
	if err != nil {
		return err
	}
	if !strings.Contains(body, "Result>OK") {
		return errors.Errorf("command %q not accepted: %s", command, body)
	}
	return nil
}

// Poll returns the lines the simulator has produced since the last poll.
func (s *Session) Poll(ctx context.Context) ([]Line, error) {
	if s.ID == "" {
		return nil, observatory.WithStack(ErrNoSession)
	}
	body, err := s.request(ctx, "/ReadResponses/"+s.ID, nil)
	if err != nil {
		return nil, err
	}
	parsed := response{}
	if err := xml.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, errors.Wrapf(err, "parsing console lines")
	}
	return parsed.Lines, nil
}

// Exec sends command and collects its output: everything after the echo of
// the command up to the next prompt. The status is TIMEOUT if the echo never
// arrived.
func (s *Session) Exec(ctx context.Context, command string) (console.Reply, error) {
	if err := s.Send(ctx, command); err != nil {
		return console.Reply{Command: command, Error: "Send failed"}, err
	}
	var captured []string
	seenEcho := false
	complete := func() bool {
		lines, err := s.Poll(ctx)
		if err != nil {
			return false
		}
		for _, l := range lines {
			if !seenEcho {
				if l.IsInput() && (strings.TrimSpace(l.Text) == command || strings.Contains(l.Text, command)) {
					seenEcho = true
				}
				continue
			}
			if l.IsPrompt() {
				return true
			}
			if !l.IsInput() && !l.IsCommand() {
				captured = append(captured, l.Text)
			}
		}
		return false
	}
	if _, err := observatory.WaitForCondition(ctx, s.CommandTimeout, s.PollInterval, complete); err != nil {
		return console.Reply{Command: command, Status: console.StatusTimeout}, err
	}
	status := console.StatusTimeout
	if seenEcho {
		status = console.StatusOK
	}
	return console.Reply{Command: command, Response: trimResponse(captured), Status: status}, nil
}

func trimResponse(captured []string) string {
	joined := strings.Join(captured, "\n")
	if idx := strings.LastIndex(joined, responseSeparator); idx >= 0 {
		joined = joined[idx+len(responseSeparator):]
	}
	return strings.TrimPrefix(joined, "# \n")
}

type Options struct {
	URL            string
	User           string
	Password       string
	ConnectTimeout time.Duration
}

func emit(w io.Writer, v any) error {
	b, err := goccy.Marshal(v)
	if err != nil {
		return observatory.WithStack(err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", b); err != nil {
		return observatory.WithStack(err)
	}
	return nil
}

// Serve connects, prints the handshake, then answers commands from in until
// it is exhausted or ctx is done.
func Serve(ctx context.Context, opts Options, in io.Reader, out io.Writer) error {
	s := NewSession(opts.URL, opts.User, opts.Password)
	return s.Serve(ctx, opts.ConnectTimeout, in, out)
}

func (s *Session) Serve(ctx context.Context, connectTimeout time.Duration, in io.Reader, out io.Writer) error {
	start := time.Now()
	var lastErr error
	connected, err := observatory.WaitForCondition(ctx, connectTimeout, ConnectInterval, func() bool {
		lastErr = s.Connect(ctx)
		return lastErr == nil
	})
	if err != nil {
		return err
	}
	if !connected {
		msg := fmt.Sprintf("Failed to connect (TIMEOUT=%v; dt=%v): %v", connectTimeout, time.Since(start).Round(time.Millisecond), lastErr)
		if err := emit(out, console.Handshake{Error: msg}); err != nil {
			return err
		}
		return errors.New(msg)
	}
	if err := emit(out, console.Handshake{Event: "connected", SessionID: s.ID}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		command := strings.TrimSpace(scanner.Text())
		if command == "" {
			continue
		}
		reply, err := s.Exec(ctx, command)
		if err != nil {
			log.Printf("%q: %v", command, err)
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
		}
		if err := emit(out, reply); err != nil {
			return err
		}
	}
	return observatory.WithStack(scanner.Err())
}
