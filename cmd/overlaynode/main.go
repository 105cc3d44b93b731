// Command overlaynode runs a single overlay node: native onion/discovery
// transport, client session fabric, and background control loops.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoshinet/overlay/internal/nodeconfig"
	"github.com/hoshinet/overlay/internal/nodelog"
	"github.com/hoshinet/overlay/internal/overlaynode"
)

const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	nodelog.SetLevelFromEnv(os.Getenv("OVERLAY_LOG_LEVEL"))

	fs := flag.NewFlagSet("overlaynode", flag.ContinueOnError)
	cliFlags := nodeconfig.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}

	passphrase := cliFlags.Passphrase
	if passphrase == "" {
		passphrase = os.Getenv("OVERLAY_PASSPHRASE")
	}

	cfg, ident, err := nodeconfig.LoadOrCreate(cliFlags.ConfigPath, cliFlags.NewNet, []byte(passphrase))
	if err != nil {
		nodelog.Errorf("[overlaynode] configuration error: %v", err)
		return 1
	}
	cliFlags.Apply(cfg)

	node, err := overlaynode.New(cfg, ident, overlaynode.Options{
		PeersSnapshotPath: nodeconfig.PeersSnapshotPath(cliFlags.ConfigPath),
		Passphrase:        []byte(passphrase),
	})
	if err != nil {
		nodelog.Errorf("[overlaynode] build error: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		nodelog.Errorf("[overlaynode] bind error: %v", err)
		return 1
	}

	<-ctx.Done()
	nodelog.Infof("[overlaynode] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		nodelog.Errorf("[overlaynode] shutdown error: %v", err)
		return 1
	}
	return 0
}
