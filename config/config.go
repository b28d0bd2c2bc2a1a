// Package config describes where the vivarium lives and how to start every
// process a scenario needs.
//
// All command templates are split into words with POSIX shell rules, then
// each {placeholder} inside a word is replaced. The placeholders root,
// vivarium, opensim and observatory are always available.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	FileName       = "observatory.yaml"
	DefaultSpecies = "mimic"
)

type Simulator struct {
	Command     string        `yaml:"command"`
	Dir         string        `yaml:"dir"`
	TagUA       string        `yaml:"tag_ua"`
	ConsoleLog  string        `yaml:"console_log"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

type Console struct {
	Mode           string        `yaml:"mode"`
	Command        string        `yaml:"command"`
	URL            string        `yaml:"url"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type Species struct {
	Command string `yaml:"command"`
	Dir     string `yaml:"dir"`
	TagUA   string `yaml:"tag_ua"`
	// Ports allocates a ui_port/core_port pair per actor.
	Ports bool  `yaml:"ports"`
	Stdin *bool `yaml:"stdin"`
}

// AcceptsStdin is true unless stdin is explicitly false.
func (s Species) AcceptsStdin() bool {
	return s.Stdin == nil || *s.Stdin
}

type Cast struct {
	// UserGen prints the SQL that seeds one user for legacy-cast.
	UserGen    string   `yaml:"user_gen"`
	UserStores []string `yaml:"user_stores"`
	// AccountStore is polled to confirm console-created users.
	AccountStore string        `yaml:"account_store"`
	Email        string        `yaml:"email"`
	Attempts     int           `yaml:"attempts"`
	Interval     time.Duration `yaml:"interval"`
}

type Config struct {
	Root           string             `yaml:"-"`
	Vivarium       string             `yaml:"vivarium"`
	OpensimDir     string             `yaml:"opensim_dir"`
	ObservatoryDir string             `yaml:"observatory_dir"`
	Substrate      string             `yaml:"substrate"`
	Variant        string             `yaml:"variant"`
	Simulator      Simulator          `yaml:"simulator"`
	Console        Console            `yaml:"console"`
	Species        map[string]Species `yaml:"species"`
	Cast           Cast               `yaml:"cast"`
	PortBase       int                `yaml:"port_base"`
	PortStep       int                `yaml:"port_step"`
}

func Default(root string) *Config {
	vivarium := filepath.Join(root, "vivarium")
	core := filepath.Join(vivarium, "opensim-core-0.9.3")
	return &Config{
		Root:           root,
		Vivarium:       vivarium,
		OpensimDir:     filepath.Join(core, "bin"),
		ObservatoryDir: filepath.Join(core, "observatory"),
		Substrate:      filepath.Join(root, "instruments", "substrate", "ensure_dotnet.sh"),
		Simulator: Simulator{
			Command:     "dotnet OpenSim.dll -inifile={root}/species/opensim-core/standalone-observatory-sandbox.ini -inidirectory={observatory}",
			Dir:         "{opensim}",
			TagUA:       "species/opensim-core/0.9.3",
			ConsoleLog:  "{observatory}/opensim_console.log",
			SettleDelay: time.Second,
		},
		Console: Console{
			Mode:           "local",
			Command:        "consoled --url {url} --user {user} --password {password} --timeout {timeout}",
			URL:            "http://127.0.0.1:9000",
			User:           "RestUser",
			Password:       "RestPassword",
			ConnectTimeout: 10 * time.Second,
		},
		Species: map[string]Species{
			"mimic": {
				Command: "dotnet {vivarium}/mimic/Mimic.dll --repl",
				Dir:     "{vivarium}/mimic",
				TagUA:   "instruments/mimic",
			},
			"benthic": {
				Command: "{root}/species/benthic/0.1.0/run_visitant.sh --user {first} --lastname {last} --password {password} --ui-port {ui_port} --core-port {core_port}",
				Dir:     "{root}/species/benthic/0.1.0",
				TagUA:   "benthic/0.1.0",
				Ports:   true,
				Stdin:   new(bool),
			},
		},
		Cast: Cast{
			UserGen:      "dotnet {vivarium}/sequencer/Sequencer.dll gen-user --first {first} --last {last} --pass {password} --uuid {uuid}",
			UserStores:   []string{"{observatory}/userprofiles.db", "{observatory}/inventory.db", "{observatory}/auth.db"},
			AccountStore: "{observatory}/userprofiles.db",
			Email:        "{first}.{last}@vivarium.invalid",
			Attempts:     20,
			Interval:     500 * time.Millisecond,
		},
		PortBase: 12000,
		PortStep: 2,
	}
}

// Load reads path over the defaults for root. An empty path reads
// root/observatory.yaml if it exists.
func Load(root, path string) (*Config, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, observatory.WithStack(err)
	}
	c := Default(root)
	optional := path == ""
	if optional {
		path = filepath.Join(root, FileName)
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	case optional && os.IsNotExist(err):
	default:
		return nil, observatory.WithStack(err)
	}
	for _, p := range []*string{&c.Vivarium, &c.OpensimDir, &c.ObservatoryDir, &c.Substrate} {
		*p = c.Abs(*p)
	}
	return c, nil
}

// Abs resolves p against the repository root.
func (c *Config) Abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c *Config) values() map[string]string {
	return map[string]string{
		"root":        c.Root,
		"vivarium":    c.Vivarium,
		"opensim":     c.OpensimDir,
		"observatory": c.ObservatoryDir,
	}
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// Expand splits template and fills its placeholders from extra and the
// location placeholders. Unknown placeholders are an error.
func (c *Config) Expand(template string, extra map[string]string) ([]string, error) {
	words, err := shellwords.SplitPosix(template)
	if err != nil {
		return nil, errors.Wrapf(err, "splitting %q", template)
	}
	for i, word := range words {
		if words[i], err = c.fill(word, extra); err != nil {
			return nil, errors.Wrapf(err, "expanding %q", template)
		}
	}
	return words, nil
}

// ExpandPath fills the placeholders of a single path and resolves it
// against the repository root.
func (c *Config) ExpandPath(template string, extra map[string]string) (string, error) {
	p, err := c.fill(template, extra)
	if err != nil {
		return "", errors.Wrapf(err, "expanding %q", template)
	}
	return c.Abs(p), nil
}

// Fill replaces the placeholders of a single word without splitting it.
func (c *Config) Fill(template string, extra map[string]string) (string, error) {
	s, err := c.fill(template, extra)
	if err != nil {
		return "", errors.Wrapf(err, "expanding %q", template)
	}
	return s, nil
}

func (c *Config) fill(word string, extra map[string]string) (string, error) {
	values := c.values()
	var missing []string
	result := placeholder.ReplaceAllStringFunc(word, func(m string) string {
		key := m[1 : len(m)-1]
		if v, found := extra[key]; found {
			return v
		}
		if v, found := values[key]; found {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", errors.Errorf("unknown placeholder {%s}", strings.Join(missing, "}, {"))
	}
	return result, nil
}

// LookupSpecies is case-insensitive and falls back to the default species
// for an empty name.
func (c *Config) LookupSpecies(name string) (string, Species, error) {
	name = strings.ToLower(name)
	if name == "" {
		name = DefaultSpecies
	}
	s, found := c.Species[name]
	if !found {
		return name, Species{}, errors.Errorf("unknown species %q", name)
	}
	return name, s, nil
}
