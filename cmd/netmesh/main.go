// Netmesh CLI entry point.
//
// This tool runs reliable links and peer meshes over unreliable datagrams:
// a LAN mesh (registry plus nodes), a single point-to-point link over UDP or
// QUIC datagrams, or a link over a WebRTC data channel set up through
// WebSocket signaling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/netmesh/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("Netmesh v%s", version))
	pterm.Println()

	if err := newRootCmd(&options{}).ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
