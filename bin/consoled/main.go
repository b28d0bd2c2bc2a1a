package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/consoled"
)

func main() {
	opts := consoled.Options{}

	flag.StringVar(&opts.URL, "url", "", "Base URL of the simulator's HTTP console.")
	flag.StringVar(&opts.User, "user", "", "Console user.")
	flag.StringVar(&opts.Password, "password", "", "Console password.")
	flag.DurationVar(&opts.ConnectTimeout, "timeout", time.Second, "How long to keep retrying the initial connection.")

	flag.Parse()

	if opts.URL == "" || opts.User == "" || opts.Password == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Stdout carries the protocol, so diagnostics go to stderr.
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consoled.Serve(ctx, opts, os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
