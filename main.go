// pipit is a headless calling daemon: it keeps a libp2p identity online,
// answers call signaling, and coordinates at most one call at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipit-im/pipit/internal/app"
)

var (
	configPath = flag.String("config", "data/config.json", "Path to the config file")
	confirm    = flag.Bool("confirm-changed-keys", false, "Accept changed peer identity keys without interaction")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("pipit %s\n", appVersion)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		ConfigPath:         *configPath,
		ConfirmChangedKeys: *confirm,
	}); err != nil {
		log.Fatalf("pipit: %v", err)
	}
}
