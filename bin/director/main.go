package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/config"
	"github.com/metaverse-crossroads/hypergrid-naturalist-observatory/director"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configPath  string
	root        string
	variant     string
	consoleMode string
	logFile     string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "director <scenario.md>",
	Short: "Run an encounter scenario against the simulator and report the evidence",
	Long: "Reads a markdown scenario, expands its includes, and executes its fenced\n" +
		"blocks in order: shell fragments, simulator and actor commands, casts,\n" +
		"verifications, awaits and sensors. Exits 0 only if evidence was recorded\n" +
		"and every observation passed.",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Director configuration (default <root>/observatory.yaml if present).")
	rootCmd.Flags().StringVar(&root, "root", ".", "Repository root that relative paths resolve against.")
	rootCmd.Flags().StringVar(&variant, "variant", "", "Include variant, overriding the scenario and configuration.")
	rootCmd.Flags().StringVar(&consoleMode, "console", "", "Console transport (local|rest), overriding the scenario and configuration.")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Rotated log file (default <vivarium>/director.log).")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Print stack traces of failures.")
}

type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(root, configPath)
	if err != nil {
		return err
	}
	if logFile == "" {
		logFile = filepath.Join(cfg.Vivarium, "director.log")
	}
	sink := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 5,
	}
	defer sink.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, sink))
	log.SetPrefix("[DIRECTOR] ")

	scenario, err := filepath.Abs(args[0])
	if err != nil {
		return observatory.WithStack(err)
	}
	d := director.New(director.Options{
		Config:      cfg,
		Scenario:    scenario,
		Variant:     variant,
		ConsoleMode: consoleMode,
		Out:         cmd.OutOrStdout(),
		Debug:       debug,
	})

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		for range signals {
			d.Interrupt()
		}
	}()

	if code := d.Run(); code != 0 {
		return exitCode(code)
	}
	return nil
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if code, ok := err.(exitCode); ok {
		os.Exit(int(code))
	}
	if debug {
		log.Printf("%v\n%s", err, observatory.StackTrace(err))
	} else {
		log.Print(err)
	}
	os.Exit(1)
}
