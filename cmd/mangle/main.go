package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmware/mangle-sub000/pkg/client"
	"github.com/vmware/mangle-sub000/pkg/cluster"
	"github.com/vmware/mangle-sub000/pkg/config"
	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/server"
	"github.com/vmware/mangle-sub000/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mangle",
	Short: "Mangle - fault injection task engine",
	Long: `Mangle runs fault injection tasks against remote endpoints,
fires scheduled faults, and keeps a quorum-gated cluster of engine
nodes in agreement about who runs what.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Mangle version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a Mangle engine node",
	Long: `Run a Mangle engine node.

Settings are read from the YAML file given by --config and then
overridden by any flag set on the command line. Without a config file
the node runs STANDALONE with its state under ./mangle-data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, cfg)

		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			NodeID:     cfg.NodeID,
		})

		srv, err := server.New(cfg, Version)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML configuration file")
	serverCmd.Flags().String("node-id", "", "Unique node ID (defaults to the hostname)")
	serverCmd.Flags().String("data-dir", "", "Directory for the store and raft state")
	serverCmd.Flags().String("storage", "", "Store driver: bolt or sqlite")
	serverCmd.Flags().String("mode", "", "Deployment mode: STANDALONE or CLUSTER")
	serverCmd.Flags().Int("quorum", 0, "Quorum used when the cluster is first created")
	serverCmd.Flags().String("bind-addr", "", "Raft bind address in CLUSTER mode")
	serverCmd.Flags().StringSlice("peer", nil, "Cluster peer as id=host:port (repeatable)")
	serverCmd.Flags().String("token", "", "Cluster validation token")
	serverCmd.Flags().String("health-addr", "", "Listen address of the health and metrics endpoints")
	serverCmd.Flags().String("grpc-addr", "", "Listen address of the gRPC health service")
	serverCmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	serverCmd.Flags().Bool("log-json", false, "Log as JSON")
}

// applyServerFlags overrides cfg with the flags set on the command line
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}

	setString("node-id", &cfg.NodeID)
	setString("data-dir", &cfg.DataDir)
	setString("storage", &cfg.Storage.Driver)
	setString("bind-addr", &cfg.Cluster.BindAddr)
	setString("token", &cfg.Cluster.Token)
	setString("health-addr", &cfg.API.HealthAddr)
	setString("grpc-addr", &cfg.API.GRPCAddr)
	setString("log-level", &cfg.Log.Level)

	if flags.Changed("mode") {
		mode, _ := flags.GetString("mode")
		cfg.Cluster.DeploymentMode = types.DeploymentMode(mode)
	}
	if flags.Changed("quorum") {
		cfg.Cluster.Quorum, _ = flags.GetInt("quorum")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("peer") {
		peers, _ := flags.GetStringSlice("peer")
		cfg.Cluster.Peers = cfg.Cluster.Peers[:0]
		for _, p := range peers {
			cfg.Cluster.Peers = append(cfg.Cluster.Peers, parsePeer(p))
		}
	}
}

// parsePeer splits id=addr. A bare address is used as its own id.
func parsePeer(s string) config.PeerConfig {
	if id, addr, ok := strings.Cut(s, "="); ok {
		return config.PeerConfig{ID: id, Addr: addr}
	}
	return config.PeerConfig{ID: s, Addr: s}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Mangle version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a cluster validation token",
	Long: `Generate a random validation token. Every node of a cluster must be
started with the same token; sync messages carrying another token are
ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := cluster.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a node holds quorum",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		ok, err := c.HasQuorum(ctx)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", addr, err)
		}
		if !ok {
			return fmt.Errorf("%s: quorum NOT_PRESENT", addr)
		}
		fmt.Printf("%s: quorum PRESENT\n", addr)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:8081", "gRPC address of the node")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}
