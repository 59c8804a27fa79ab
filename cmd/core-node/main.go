// Command core-node runs one replica-set member: it loads the node's
// YAML config, wires every in-scope component via server.New, and blocks
// running the steady-state background tasks until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"

	"github.com/tessera-db/core/engine/memengine"
	"github.com/tessera-db/core/internal/config"
	"github.com/tessera-db/core/internal/corefail"
	"github.com/tessera-db/core/internal/corelog"
	"github.com/tessera-db/core/server"
)

var (
	app        = kingpin.New("core-node", "Replica-set member process.")
	configPath = app.Flag("config", "Path to the node's YAML config file.").Required().String()
	selfID     = app.Flag("node-id", "This member's configured id (overrides config nodeId if set).").Int()
	logLevel   = app.Flag("log-level", "debug|info|warn|error").Default("info").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	id := cfg.NodeID
	if *selfID != 0 {
		id = *selfID
	}

	logger := corelog.New(os.Stderr, parseLevel(*logLevel))
	log := logger.Event("core-node", "main")

	// The transactional storage engine itself is out of scope (core only
	// depends on its interface); memengine is the same in-memory stand-in
	// the test suite uses across every package, run here as the engine a
	// standalone core-node process actually mutates.
	eng := memengine.New()

	sc, err := server.New(*cfg, eng, id, server.WireSeams{}, logger)
	if err != nil {
		fatal("construct server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		sc.ReplSet.ShuttingDownNode()
		cancel()
	}()

	log.Info("core-node starting, set=%s node=%d", cfg.SetName, id)
	if err := sc.Run(ctx); err != nil {
		fatalErr("run", err)
	}
}

func parseLevel(s string) corelog.Level {
	switch s {
	case "debug":
		return corelog.Debug
	case "warn":
		return corelog.Warn
	case "error":
		return corelog.Error
	default:
		return corelog.Info
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "core-node: "+format+"\n", args...)
	os.Exit(1)
}

// fatalErr reports err and exits with its carried code if it is (or wraps)
// a corefail.FatalError, or code 1 otherwise.
func fatalErr(context string, err error) {
	code := 1
	if c, ok := corefail.ExitCode(err); ok {
		code = c
	}
	fmt.Fprintf(os.Stderr, "core-node: %s: %v\n", context, err)
	os.Exit(code)
}
