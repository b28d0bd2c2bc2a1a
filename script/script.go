// Package script finds the fenced instruction blocks of a flattened scenario.
package script

import (
	"regexp"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	Bash
	BashExport
	Cast
	LegacyCast
	Simulator
	ActorCommand
	ActorStrictCommand
	Verify
	Await
	AsyncSensor
	Wait
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	Bash:               "bash",
	BashExport:         "bash-export",
	Cast:               "cast",
	LegacyCast:         "legacy-cast",
	Simulator:          "simulator",
	ActorCommand:       "actor-command",
	ActorStrictCommand: "actor-strict-command",
	Verify:             "verify",
	Await:              "await",
	AsyncSensor:        "async-sensor",
	Wait:               "wait",
}

func (k Kind) String() string {
	return kindNames[k]
}

// tags maps fence tags to block kinds. Several historical names are kept.
var tags = map[string]Kind{
	"bash":            Bash,
	"bash-export":     BashExport,
	"cast":            Cast,
	"legacy-cast":     LegacyCast,
	"simulator":       Simulator,
	"territory":       Simulator,
	"opensim":         Simulator,
	"actor":           ActorCommand,
	"visitant":        ActorCommand,
	"mimic":           ActorCommand,
	"actor-strict":    ActorStrictCommand,
	"visitant-strict": ActorStrictCommand,
	"verify":          Verify,
	"await":           Await,
	"async-sensor":    AsyncSensor,
	"sensor":          AsyncSensor,
	"wait":            Wait,
}

// KindOf returns the kind for a fence tag, or Unknown.
func KindOf(tag string) Kind {
	return tags[strings.ToLower(tag)]
}

type Block struct {
	Kind     Kind
	Tag      string
	Argument string
	Body     string
	Index    int
}

// fence matches ```tag [argument]\n body ```. The body is non-greedy, so the
// first closing fence ends the block.
var fence = regexp.MustCompile("(?ms)^```([\\w-]+)(?:[ \\t]+([^\\n]*?))?[ \\t]*\\n(.*?)```")

// Parse returns the recognized blocks of text in document order. Blocks with
// unknown tags are skipped but still consume their text.
func Parse(text string) []Block {
	var blocks []Block
	for _, m := range fence.FindAllStringSubmatchIndex(text, -1) {
		tag := strings.ToLower(text[m[2]:m[3]])
		kind := KindOf(tag)
		if kind == Unknown {
			continue
		}
		arg := ""
		if m[4] >= 0 {
			arg = strings.TrimSpace(text[m[4]:m[5]])
		}
		blocks = append(blocks, Block{
			Kind:     kind,
			Tag:      tag,
			Argument: arg,
			Body:     text[m[6]:m[7]],
			Index:    len(blocks),
		})
	}
	return blocks
}

// Fields parses "key: value" lines. Keys are lowercased, values trimmed,
// lines without a colon ignored, and later keys win.
func Fields(body string) map[string]string {
	result := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	return result
}

// Lines returns the trimmed, non-empty lines of body.
func Lines(body string) []string {
	var result []string
	for _, line := range strings.Split(body, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result = append(result, line)
		}
	}
	return result
}
