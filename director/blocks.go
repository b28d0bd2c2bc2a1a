package director

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/evidence"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/lang"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/script"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/sensor"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/userstore"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/verify"
	"github.com/pkg/errors"
)

const dumpVar = "OBSERVATORY_ENV_DUMP"

// exportSuffix dumps the environment after the fragment, keeping its status.
const exportSuffix = "\n__observatory_status=$?\nenv -0 > \"$" + dumpVar + "\"\nexit $__observatory_status\n"

func (d *Director) runBash(ctx context.Context, b script.Block, export bool) error {
	body := b.Body
	env := d.env.List()
	var dump string
	if export {
		f, err := os.CreateTemp("", "observatory-env-*")
		if err != nil {
			return failure(b, err)
		}
		f.Close()
		dump = f.Name()
		defer os.Remove(dump)
		body += exportSuffix
		env = d.env.With(map[string]string{dumpVar: dump})
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", body)
	cmd.Dir = d.cfg.Root
	cmd.Env = env
	cmd.Stdout = d.out
	cmd.Stderr = d.out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return failf(b, "shell fragment failed: %v", err)
	}
	if export {
		raw, err := os.ReadFile(dump)
		if err != nil {
			return failure(b, err)
		}
		if changed := d.env.Merge(raw); len(changed) > 0 {
			log.Printf("exported %s", lang.Enumerator{}.Do(changed...))
		}
	}
	return nil
}

// descriptor is one element of a cast block.
type descriptor struct {
	First    string `json:"First"`
	Last     string `json:"Last"`
	Password string `json:"Password"`
	UUID     string `json:"UUID"`
	Species  string `json:"Species"`
}

func (d *Director) runWait(ctx context.Context, b script.Block) error {
	ms, err := strconv.Atoi(strings.TrimSpace(b.Body))
	if err != nil || ms < 0 {
		return failf(b, "invalid wait %q", strings.TrimSpace(b.Body))
	}
	log.Printf("waiting %dms", ms)
	return sleep(ctx, time.Duration(ms)*time.Millisecond)
}

func (d *Director) runCast(ctx context.Context, b script.Block) error {
	actors, err := d.castActors(b)
	if err != nil {
		return err
	}
	c := d.Console()
	if c == nil {
		return failf(b, "no console attached, start the simulator before casting")
	}
	storePath, err := d.cfg.ExpandPath(d.cfg.Cast.AccountStore, nil)
	if err != nil {
		return failure(b, err)
	}
	for _, a := range actors {
		email, err := d.cfg.Fill(d.cfg.Cast.Email, a.values())
		if err != nil {
			return failure(b, err)
		}
		command := fmt.Sprintf("create user %s %s %s %s %s", a.First, a.Last, a.Password, strings.ToLower(email), a.UUID)
		if reply, err := c.Send(ctx, command); err != nil {
			log.Printf("creating %s: %v (%s)", a.Name(), err, reply.Status)
		}
		if err := d.confirmAccount(ctx, storePath, a); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return failure(b, err)
		}
		log.Printf("%s exists in %s", a.Name(), storePath)
	}
	return nil
}

func (d *Director) confirmAccount(ctx context.Context, path string, a *Actor) error {
	attempts := max(d.cfg.Cast.Attempts, 1)
	var lastErr error
	found, err := observatory.WaitForCondition(ctx, time.Duration(attempts)*d.cfg.Cast.Interval, d.cfg.Cast.Interval, func() bool {
		store, err := userstore.Open(path)
		if err != nil {
			lastErr = err
			return false
		}
		defer store.Close()
		has, err := store.HasAccount(ctx, a.First, a.Last)
		lastErr = err
		return has
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("account for %s never appeared in %s (last error: %v)", a.Name(), path, lastErr)
	}
	return nil
}

func (d *Director) runLegacyCast(ctx context.Context, b script.Block) error {
	actors, err := d.castActors(b)
	if err != nil {
		return err
	}
	var stores []string
	for _, s := range d.cfg.Cast.UserStores {
		p, err := d.cfg.ExpandPath(s, nil)
		if err != nil {
			return failure(b, err)
		}
		stores = append(stores, p)
	}
	for _, a := range actors {
		words, err := d.cfg.Expand(d.cfg.Cast.UserGen, a.values())
		if err != nil {
			return failure(b, err)
		}
		if len(words) == 0 {
			return failf(b, "empty user generator command")
		}
		cmd := exec.CommandContext(ctx, words[0], words[1:]...)
		cmd.Dir = d.cfg.Vivarium
		cmd.Env = d.env.List()
		cmd.Stderr = d.out
		sql, err := cmd.Output()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return failf(b, "generating users for %s: %v", a.Name(), err)
		}
		if err := userstore.SeedAll(ctx, stores, string(sql)); err != nil {
			return failure(b, err)
		}
		log.Printf("seeded %s into %d stores", a.Name(), len(stores))
	}
	return nil
}

func (d *Director) runVerify(b script.Block) error {
	check, err := verify.Parse(b.Body, "Untitled Verification")
	if err != nil {
		return failure(b, err)
	}
	path, err := check.Path(d.cfg.Root, d)
	if err != nil {
		return failure(b, err)
	}
	log.Printf("verifying %q (%s) in %s", check.Title, check.Frame, path)
	o := check.Once(path)
	d.evidence.Record(check.Entry(o, evidence.State))
	if !o.Passed {
		return &Failure{Block: b, Err: errors.New(o.Details), Observed: true}
	}
	return nil
}

func (d *Director) runAwait(ctx context.Context, b script.Block) error {
	check, err := verify.Parse(b.Body, "Untitled Event")
	if err != nil {
		return failure(b, err)
	}
	path, err := check.Path(d.cfg.Root, d)
	if err != nil {
		return failure(b, err)
	}
	log.Printf("awaiting %q (%s) in %s, timeout %v", check.Title, check.Frame, path, check.Timeout)
	o, err := check.Await(ctx, path, verify.PollInterval)
	if err != nil {
		return err
	}
	d.evidence.Record(check.Entry(o, evidence.Event))
	if !o.Passed {
		return &Failure{Block: b, Err: errors.New(o.Details), Observed: true}
	}
	return nil
}

func (d *Director) runSensor(ctx context.Context, b script.Block) error {
	s, err := sensor.Parse(b.Body)
	if err != nil {
		return failure(b, err)
	}
	if s.Path, err = s.Check.Path(d.cfg.Root, d); err != nil {
		return failure(b, err)
	}
	d.sensors.Start(ctx, s)
	return nil
}
