// keyprintd serves keystroke-dynamics verification over HTTP.
//
// Usage:
//
//	keyprintd [-config path] [-listen addr]
//
// The daemon loads its configuration (TOML, YAML or JSON by extension),
// opens the SQLite profile store, and serves the API until SIGINT or
// SIGTERM. Edits to the configuration file are picked up without a
// restart: new default security settings apply to the next request.
// SIGHUP rotates the log, audit and trace files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyprint/internal/config"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: $KEYPRINT_DATA_DIR/config.toml)")
	listen := flag.String("listen", "", "override the listen address")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("keyprintd", Version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.Path()
	}

	d := NewDaemon(Version, path)
	if err := d.Start(*listen); err != nil {
		fmt.Fprintf(os.Stderr, "keyprintd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := d.Run(ctx)
	if cerr := d.Stop(shutdownReason(ctx, err)); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyprintd: %v\n", err)
		os.Exit(1)
	}
}

func shutdownReason(ctx context.Context, err error) string {
	switch {
	case err != nil:
		return "error: " + err.Error()
	case ctx.Err() != nil:
		return "signal"
	default:
		return "server stopped"
	}
}
