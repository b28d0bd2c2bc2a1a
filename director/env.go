package director

import (
	"bytes"
	"os"
	"os/exec"
	"strings"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/config"
	"github.com/pkg/errors"
)

// environ is an ordered KEY=VALUE set. Only the control goroutine uses it.
type environ struct {
	keys   []string
	values map[string]string
}

func newEnviron(pairs []string) *environ {
	e := &environ{values: map[string]string{}}
	for _, pair := range pairs {
		if k, v, found := strings.Cut(pair, "="); found && k != "" {
			e.Set(k, v)
		}
	}
	return e
}

func (e *environ) Get(key string) (string, bool) {
	v, found := e.values[key]
	return v, found
}

func (e *environ) Set(key, value string) {
	if _, found := e.values[key]; !found {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

func (e *environ) List() []string {
	result := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		result = append(result, k+"="+e.values[k])
	}
	return result
}

// With returns the list with extra pairs overriding.
func (e *environ) With(extra map[string]string) []string {
	clone := newEnviron(e.List())
	for k, v := range extra {
		clone.Set(k, v)
	}
	return clone.List()
}

// shellOwned are variables bash maintains itself and that must not leak back
// from a bash-export block.
var shellOwned = map[string]bool{
	"_":      true,
	"SHLVL":  true,
	"PWD":    true,
	"OLDPWD": true,
	dumpVar:  true,
}

// Merge applies a NUL separated env dump and returns the keys that were new
// or changed.
func (e *environ) Merge(dump []byte) []string {
	var changed []string
	for _, pair := range bytes.Split(dump, []byte{0}) {
		k, v, found := strings.Cut(string(pair), "=")
		if !found || k == "" || shellOwned[k] {
			continue
		}
		if old, exists := e.values[k]; exists && old == v {
			continue
		}
		e.Set(k, v)
		changed = append(changed, k)
	}
	return changed
}

// baseEnviron is the process environment plus the vivarium locations, plus
// DOTNET_ROOT from the substrate script when one is installed.
func baseEnviron(cfg *config.Config) (*environ, error) {
	e := newEnviron(os.Environ())
	if cfg.Substrate != "" {
		if _, err := os.Stat(cfg.Substrate); err == nil {
			out, err := exec.Command(cfg.Substrate).Output()
			if err != nil {
				return nil, errors.Wrapf(err, "initializing substrate with %s", cfg.Substrate)
			}
			root := strings.TrimSpace(string(out))
			e.Set("DOTNET_ROOT", root)
			path, _ := e.Get("PATH")
			e.Set("PATH", root+string(os.PathListSeparator)+path)
		}
	}
	e.Set("OPENSIM_DIR", cfg.OpensimDir)
	e.Set("OBSERVATORY_DIR", cfg.ObservatoryDir)
	e.Set("VIVARIUM_ROOT", cfg.Vivarium)
	return e, nil
}
