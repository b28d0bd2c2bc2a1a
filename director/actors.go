package director

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	goccy "github.com/goccy/go-json"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/config"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/lang"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/procs"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/pkg/errors"
)

const (
	DefaultActor = "Visitant"
	ZeroUUID     = "00000000-0000-0000-0000-000000000000"
	// DefaultPassword is used for actors that were never cast.
	DefaultPassword = "secret"
)

// Actor is a named participant. Cast is false for actors that were only
// referenced by an actor block.
type Actor struct {
	First    string
	Last     string
	Password string
	UUID     string
	Species  string
	Cast     bool

	process *procs.Process
	uiPort  int
}

func (a *Actor) Name() string {
	return strings.TrimSpace(a.First + " " + a.Last)
}

func (a *Actor) values() map[string]string {
	return map[string]string{
		"first":    a.First,
		"last":     a.Last,
		"password": a.Password,
		"uuid":     a.UUID,
		"name":     a.Name(),
	}
}

// castActors registers the descriptors of a cast block. A name already in
// the roster keeps its first registration.
func (d *Director) castActors(b script.Block) ([]*Actor, error) {
	var descriptors []descriptor
	if err := goccy.Unmarshal([]byte(b.Body), &descriptors); err != nil {
		return nil, failf(b, "invalid cast: %v", err)
	}
	result := make([]*Actor, 0, len(descriptors))
	for _, desc := range descriptors {
		a := &Actor{
			First:    orDefault(desc.First, "Test"),
			Last:     orDefault(desc.Last, "User"),
			Password: orDefault(desc.Password, DefaultPassword),
			UUID:     orDefault(desc.UUID, ZeroUUID),
			Species:  orDefault(desc.Species, config.DefaultSpecies),
			Cast:     true,
		}
		species, _, err := d.cfg.LookupSpecies(a.Species)
		if err != nil {
			return nil, failure(b, err)
		}
		a.Species = species
		existing, created := d.roster.GetOrSet(a.Name(), func() *Actor { return a })
		switch {
		case created:
			log.Printf("cast %s (%s)", a.Name(), a.Species)
		case !existing.Cast:
			existing.First, existing.Last, existing.Password, existing.UUID = a.First, a.Last, a.Password, a.UUID
			existing.Species, existing.Cast = a.Species, true
			log.Printf("cast %s (%s), already on stage", a.Name(), a.Species)
		default:
			log.Printf("%s is already cast", a.Name())
		}
		result = append(result, existing)
	}
	return result, nil
}

// castList describes every roster entry in the order it joined.
func (d *Director) castList() []string {
	var result []string
	for name, a := range d.roster.Each() {
		state := "never spawned"
		if a.process != nil {
			state = a.process.State().String()
		}
		result = append(result, fmt.Sprintf("%s (%s, %s)", name, a.Species, state))
	}
	return result
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// actor finds or adds a roster entry for name.
func (d *Director) actor(name string) *Actor {
	first, last, _ := strings.Cut(name, " ")
	a, created := d.roster.GetOrSet(name, func() *Actor {
		return &Actor{
			First:    first,
			Last:     strings.TrimSpace(last),
			Password: DefaultPassword,
			UUID:     ZeroUUID,
			Species:  config.DefaultSpecies,
		}
	})
	if created {
		log.Printf("%s was never cast, assuming species %s", name, a.Species)
	}
	return a
}

func (d *Director) runActor(ctx context.Context, b script.Block, strict bool) error {
	name := strings.TrimSpace(b.Argument)
	if name == "" {
		name = DefaultActor
	}
	if strict {
		if a, found := d.roster.GetHas(name); !found || !a.Cast {
			return failf(b, "%s was never cast", name)
		}
	}
	a := d.actor(name)
	_, species, err := d.cfg.LookupSpecies(a.Species)
	if err != nil {
		return failure(b, err)
	}
	p, err := d.ensureActor(a, species)
	if err != nil {
		return failure(b, err)
	}
	for _, line := range script.Lines(b.Body) {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !p.Alive() {
			return failf(b, "%s died (%v)", name, p.State())
		}
		log.Printf("  -> %s: %s", name, line)
		if !species.AcceptsStdin() {
			continue
		}
		if _, err := io.WriteString(p.Stdin(), line+"\n"); err != nil {
			return failf(b, "connection to %s lost: %v", name, err)
		}
	}
	return nil
}

// ensureActor spawns the actor's process on first use. A process that has
// exited is never respawned.
func (d *Director) ensureActor(a *Actor, species config.Species) (*procs.Process, error) {
	if a.process != nil {
		if !a.process.Alive() {
			return nil, errors.Errorf("%s died (%v, exit code %d)", a.Name(), a.process.State(), a.process.ExitCode())
		}
		return a.process, nil
	}
	values := a.values()
	if species.Ports {
		a.uiPort = d.nextPort
		d.nextPort += d.cfg.PortStep
	}
	if a.uiPort != 0 {
		values["ui_port"] = strconv.Itoa(a.uiPort)
		values["core_port"] = strconv.Itoa(a.uiPort + 1)
	}
	words, err := d.cfg.Expand(species.Command, values)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, errors.Errorf("species %s has no command", a.Species)
	}
	dir, err := d.cfg.ExpandPath(species.Dir, values)
	if err != nil {
		return nil, err
	}
	log.Printf("spawning %s: %s", lang.Capitalize(a.Species), a.Name())
	p, err := d.registry.Spawn(procs.Spec{
		Name:    fmt.Sprintf("%s:%s", a.Species, a.Name()),
		Kind:    procs.Actor,
		Path:    words[0],
		Args:    words[1:],
		Dir:     dir,
		Env:     d.env.With(map[string]string{"TAG_UA": species.TagUA}),
		LogPath: d.actorLog(a.Name()),
		Stdin:   true,
	})
	if err != nil {
		return nil, err
	}
	a.process = p
	return p, nil
}
