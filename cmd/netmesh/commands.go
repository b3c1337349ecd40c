package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/1ureka/netmesh/internal/app"
	"github.com/1ureka/netmesh/internal/config"
	"github.com/1ureka/netmesh/internal/util"
)

type options struct {
	configPath string
	debug      bool
	transport  string
	protocol   string
	maxPeers   int

	cfg *config.Config
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "netmesh",
		Short:         "Reliable links and peer meshes over unreliable datagrams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default is ~/.netmesh/config.yaml)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.transport, "transport", "", "datagram transport: udp or quic")
	flags.StringVar(&opts.protocol, "protocol", "", "protocol name; peers must agree on it")
	flags.IntVar(&opts.maxPeers, "max-peers", 0, "mesh capacity (mesh only)")

	root.AddCommand(
		newMeshCmd(opts),
		newNodeCmd(opts),
		newListenCmd(opts),
		newConnectCmd(opts),
		newWebRTCCmd(opts),
	)
	return root
}

// load reads the config file and applies flag overrides.
func (o *options) load(cmd *cobra.Command) error {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if o.debug {
		util.EnableDebug()
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = o.transport
	}
	if flags.Changed("protocol") {
		cfg.ProtocolName = o.protocol
	}
	if flags.Changed("max-peers") {
		cfg.MaxPeers = o.maxPeers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.cfg = cfg
	return nil
}

func newMeshCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mesh",
		Short: "Host a mesh registry and join it as peer 0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunMesh(cmd.Context(), opts.cfg)
		},
	}
}

func newNodeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "node <server>",
		Short: "Join the mesh at server (a.b.c.d[:port])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunNode(cmd.Context(), opts.cfg, args[0])
		},
	}
}

func newListenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Accept one reliable link on the link port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunListen(cmd.Context(), opts.cfg)
		},
	}
}

func newConnectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <server>",
		Short: "Open a reliable link to server (a.b.c.d[:port])",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunConnect(cmd.Context(), opts.cfg, args[0])
		},
	}
}

func newWebRTCCmd(opts *options) *cobra.Command {
	var signalAddr string

	cmd := &cobra.Command{
		Use:   "webrtc",
		Short: "Run a reliable link over a WebRTC data channel",
	}

	host := &cobra.Command{
		Use:   "host",
		Short: "Serve WebSocket signaling and wait for one client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				opts.cfg.SignalAddr = signalAddr
			}
			return app.RunWebRTCHost(cmd.Context(), opts.cfg)
		},
	}
	host.Flags().StringVar(&signalAddr, "listen", "", "signaling listen address (default from config, \":8080\")")

	client := &cobra.Command{
		Use:   "client <url>",
		Short: "Connect to a host's signaling URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := normalizeWSURL(args[0])
			if err != nil {
				return err
			}
			return app.RunWebRTCClient(cmd.Context(), opts.cfg, wsURL)
		},
	}

	cmd.AddCommand(host, client)
	return cmd
}

// normalizeWSURL validates a raw WebSocket URL or host:port and returns the
// signaling endpoint. Bare hosts default to ws.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	switch u.Scheme {
	case "ws", "wss":
		scheme = u.Scheme
	case "https":
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
