package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/keyronex/kernel/pkg/executive"
)

var (
	setupLog logr.Logger

	cpuCount    int
	pfnPages    int
	wiredPages  int
	highWater   int
	swapDir     string
	scenarioArg string
	verbose     bool
)

func init() {
	flag.IntVar(&cpuCount, "cpus", 2, "number of simulated CPUs")
	flag.IntVar(&pfnPages, "pfn-pages", 4096, "number of simulated physical pages")
	flag.IntVar(&wiredPages, "wired-pages", 64, "size, in pages, of the wired kernel heap arena")
	flag.IntVar(&highWater, "namecache-high-water", 256, "namecache inactive-entry high-water mark")
	flag.StringVar(&swapDir, "swap-dir", "", "directory for the on-disk swap store; empty uses an in-memory store")
	flag.StringVar(&scenarioArg, "run", "", "comma-separated scenario/property names to run (empty runs all)")
	flag.BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	flag.Parse()

	var zl *zap.Logger
	var err error
	if verbose {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	setupLog = zapr.NewLogger(zl).WithName("setup")
}

func main() {
	ctx, cancel := signalContext()
	defer cancel()

	m, err := executive.NewMachine(executive.Config{
		CPUCount:           cpuCount,
		PFNPages:           pfnPages,
		WiredPages:         wiredPages,
		NamecacheHighWater: highWater,
		SwapDir:            swapDir,
		Log:                setupLog,
	})
	if err != nil {
		setupLog.Error(err, "unable to assemble machine")
		os.Exit(1)
	}
	defer m.Close()

	runCtx, runCancel := context.WithCancel(ctx)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- m.Run(runCtx) }()

	names := selectedNames()
	failed := false
	for _, name := range names {
		if err := runByName(setupLog, name); err != nil {
			setupLog.Error(err, "scenario failed", "name", name)
			failed = true
			continue
		}
		setupLog.Info("scenario passed", "name", name)
	}

	runCancel()
	<-runErrCh

	if failed {
		os.Exit(1)
	}
}

func selectedNames() []string {
	if scenarioArg == "" {
		var names []string
		for _, sc := range executive.Scenarios {
			names = append(names, sc.Name)
		}
		for _, p := range executive.Properties {
			names = append(names, p.Name)
		}
		return names
	}
	return strings.Split(scenarioArg, ",")
}

func runByName(log logr.Logger, name string) error {
	for _, sc := range executive.Scenarios {
		if sc.Name == name {
			return sc.Run(log.WithName(name))
		}
	}
	for _, p := range executive.Properties {
		if p.Name == name {
			return p.Run(log.WithName(name))
		}
	}
	return fmt.Errorf("keyronex: no scenario or property named %q", name)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
