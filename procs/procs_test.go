package procs

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func shell(name string, kind Kind, script string) Spec {
	return Spec{Name: name, Kind: kind, Path: "sh", Args: []string{"-c", script}}
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("%v did not exit", p)
	}
}

func TestExitStates(t *testing.T) {
	r := &Registry{}
	clean, err := r.Spawn(shell("clean", Actor, "exit 0"))
	if err != nil {
		t.Fatal(err)
	}
	broken, err := r.Spawn(shell("broken", Actor, "exit 3"))
	if err != nil {
		t.Fatal(err)
	}
	if code := clean.Wait(); code != 0 || clean.State() != ExitedClean {
		t.Errorf("clean: code %d state %v", code, clean.State())
	}
	if code := broken.Wait(); code != 3 || broken.State() != ExitedAbnormally {
		t.Errorf("broken: code %d state %v", code, broken.State())
	}
}

func TestStdinAndLog(t *testing.T) {
	dir := t.TempDir()
	r := &Registry{}
	spec := Spec{Name: "Ann Bee", Kind: Actor, Path: "cat", Stdin: true, LogPath: filepath.Join(dir, "logs", "ann.log")}
	p, err := r.Spawn(spec)
	if err != nil {
		t.Fatal(err)
	}
	if p.State() != Running || !p.Alive() {
		t.Fatalf("state %v", p.State())
	}
	if _, err := io.WriteString(p.Stdin(), "LOGIN\n"); err != nil {
		t.Fatal(err)
	}
	written := false
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if b, _ := os.ReadFile(spec.LogPath); string(b) == "LOGIN\n" {
			written = true
			break
		}
	}
	if !written {
		t.Error("line never reached the log")
	}
	r.Terminate(p, time.Second)
	if p.Alive() || p.State() != Killed {
		t.Errorf("state %v after Terminate", p.State())
	}
}

func TestPipeStdout(t *testing.T) {
	r := &Registry{}
	spec := shell("consoled", Daemon, "echo hello")
	spec.PipeStdout = true
	p, err := r.Spawn(spec)
	if err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Errorf("got %q, %v", line, err)
	}
	waitDone(t, p)
}

func TestUniqueness(t *testing.T) {
	r := &Registry{}
	defer r.KillAll()
	if _, err := r.Spawn(shell("Ann Bee", Actor, "exec sleep 10")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Spawn(shell("Ann Bee", Actor, "exec sleep 10")); !errors.Is(err, ErrNameTaken) {
		t.Errorf("got %v, want ErrNameTaken", err)
	}
	sim, err := r.Spawn(shell("territory", Simulator, "exec sleep 10"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Spawn(shell("territory-2", Simulator, "exec sleep 10")); !errors.Is(err, ErrSimulatorRunning) {
		t.Errorf("got %v, want ErrSimulatorRunning", err)
	}
	if got, ok := r.Simulator(); !ok || got != sim {
		t.Errorf("Simulator() = %v, %v", got, ok)
	}
	r.Terminate(sim, time.Second)
	if _, ok := r.Simulator(); ok {
		t.Error("terminated simulator still reported live")
	}
	again, err := r.Spawn(shell("territory", Simulator, "exec sleep 10"))
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	if got, _ := r.Lookup("territory"); got != again {
		t.Error("Lookup should return the newest process")
	}
}

func TestTerminateEscalates(t *testing.T) {
	r := &Registry{}
	p, err := r.Spawn(shell("stubborn", Actor, "trap '' TERM; exec sleep 10"))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	r.Terminate(p, 200*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("killed after %v, before the grace period", elapsed)
	}
	if p.Alive() || p.State() != Killed {
		t.Errorf("state %v", p.State())
	}
}

func TestShutdownOrder(t *testing.T) {
	dir := t.TempDir()
	order := filepath.Join(dir, "order")
	waiter := func(name string, kind Kind) Spec {
		return shell(name, kind, "trap 'echo "+name+" >> "+order+"; exit 0' TERM; while :; do sleep 0.05; done")
	}
	r := &Registry{}
	for _, spec := range []Spec{
		waiter("sim", Simulator),
		waiter("first", Actor),
		waiter("daemon", Daemon),
		waiter("second", Actor),
	} {
		if _, err := r.Spawn(spec); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	r.Shutdown()
	for _, p := range r.Processes() {
		if p.Alive() {
			t.Errorf("%v survived Shutdown", p)
		}
	}
	b, err := os.ReadFile(order)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"second", "first", "daemon", "sim"}, strings.Fields(string(b))); diff != "" {
		t.Errorf("teardown order mismatch (-want +got):\n%s", diff)
	}
}

func TestKillAll(t *testing.T) {
	r := &Registry{}
	var started []*Process
	for _, name := range []string{"a", "b"} {
		p, err := r.Spawn(shell(name, Actor, "trap '' TERM; exec sleep 10"))
		if err != nil {
			t.Fatal(err)
		}
		started = append(started, p)
	}
	r.KillAll()
	for _, p := range started {
		waitDone(t, p)
		if p.State() != Killed {
			t.Errorf("%v state %v", p, p.State())
		}
	}
}

func TestSpawnFailure(t *testing.T) {
	r := &Registry{}
	if _, err := r.Spawn(Spec{Name: "ghost", Path: "/nonexistent/binary"}); err == nil {
		t.Error("expected start error")
	}
	if len(r.Processes()) != 0 {
		t.Error("failed spawn was registered")
	}
}
