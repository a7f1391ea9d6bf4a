// Command mcsd-federation runs the mCSD Update Client and Notified-Pull
// sender as a single long-running process, the composition root cmd.Start
// assembles.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nuts-foundation/mcsd-federation/cmd"
)

func main() {
	configPath := pflag.String("config", "config/knooppunt.yml", "path to the YAML configuration file")
	pflag.Parse()

	config, err := cmd.LoadConfigFrom(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Start(ctx, config); err != nil {
		slog.Error("mcsd-federation exited with an error", "error", err)
		os.Exit(1)
	}
}
