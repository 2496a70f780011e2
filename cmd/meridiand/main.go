package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/meridian/pkg/config"
	"github.com/cuemby/meridian/pkg/localstore"
	"github.com/cuemby/meridian/pkg/log"
	"github.com/cuemby/meridian/pkg/manager"
	"github.com/cuemby/meridian/pkg/metrics"
	"github.com/cuemby/meridian/pkg/raftnode"
	"github.com/cuemby/meridian/pkg/registry"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/session"
	"github.com/cuemby/meridian/pkg/types"
	"github.com/spf13/cobra"
)

var (
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
	Use:   "meridiand",
	Short: "meridiand runs one member of a meridian resource coordination cluster",
	Long: `meridiand hosts a Raft-replicated table of application resources
(values, multi-maps, topics, task queues) and serves them to
meridianctl/SDK clients over gRPC.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("meridiand version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Initialize a brand-new cluster with this node as its first (and initially only) member",
	RunE: func(cmd *cobra.Command, args []string) error {
		bag, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runNode(cmd, bag, func(node *raftnode.Node) error {
			return node.Bootstrap()
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start this node and join it to an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		bag, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		leader, _ := cmd.Flags().GetString("leader")
		token, _ := cmd.Flags().GetString("token")
		if leader == "" {
			return fmt.Errorf("--leader is required")
		}
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		return runNode(cmd, bag, func(node *raftnode.Node) error {
			joiner, err := rpc.Dial(leader)
			if err != nil {
				return fmt.Errorf("dial leader %s: %w", leader, err)
			}
			return node.Join(leader, token, joiner)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{bootstrapCmd, joinCmd} {
		cmd.Flags().String("node-id", "node-1", "Unique node ID")
		cmd.Flags().String("bind-addr", "127.0.0.1:7946", "Address for Raft communication")
		cmd.Flags().String("rpc-addr", "127.0.0.1:7950", "Address for the gateway gRPC API")
		cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for /metrics, /health, /ready, /live")
		cmd.Flags().String("data-dir", "./meridian-data", "Data directory for Raft log, snapshots, and the local cache")
	}
	joinCmd.Flags().String("leader", "", "Address of an existing cluster member to join through")
	joinCmd.Flags().String("token", "", "Join token minted by the leader (see meridianctl cluster join-token)")
}

func loadConfig(cmd *cobra.Command) (config.PropertyBag, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	bag, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, pair := range [][2]string{
		{"node-id", "node.id"}, {"bind-addr", "raft.bindAddr"}, {"rpc-addr", "rpc.addr"},
		{"metrics-addr", "metrics.addr"}, {"data-dir", "node.dataDir"},
		{"leader", "cluster.leader"}, {"token", "cluster.token"},
	} {
		bag = bag.WithFlagOverride(cmd.Flags(), pair[0], pair[1])
	}
	return bag, nil
}

// runNode wires every long-lived component a meridiand process owns
// (FSM, Raft node, local cache, gateway RPC server, metrics/health HTTP
// server) and blocks until SIGINT/SIGTERM, then shuts them down in
// reverse order. start is either node.Bootstrap or node.Join, called
// once the Node exists but before it accepts traffic.
func runNode(cmd *cobra.Command, bag config.PropertyBag, start func(*raftnode.Node) error) error {
	nodeID := bag.String("node.id", "node-1")
	bindAddr := bag.String("raft.bindAddr", "127.0.0.1:7946")
	rpcAddr := bag.String("rpc.addr", "127.0.0.1:7950")
	metricsAddr := bag.String("metrics.addr", "127.0.0.1:9090")
	dataDir := bag.String("node.dataDir", "./meridian-data")

	reg, err := registry.Builtin()
	if err != nil {
		return fmt.Errorf("build resource type registry: %w", err)
	}
	sessions := session.NewRegistry()
	fsm := manager.NewManagerFSM(reg, sessions, types.RealClock{})

	node := raftnode.New(raftnode.Config{NodeID: nodeID, BindAddr: bindAddr, RPCAddr: rpcAddr, DataDir: dataDir}, fsm)
	if err := start(node); err != nil {
		return err
	}
	log.WithNodeID(nodeID).Info().Str("bind_addr", bindAddr).Msg("meridiand: raft node started")

	cache, err := localstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open local cache: %w", err)
	}

	tokens := raftnode.NewTokenManager()
	rpcServer := rpc.NewServer(node, sessions, tokens).WithLocalCache(cache).WithSelfAddr(rpcAddr)

	collector := raftnode.NewMetricsCollector(node, fsm, sessions, tokens)
	collector.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")
	metrics.RegisterComponent("rpc", false, "starting")
	metrics.RegisterComponent("registry", true, "value, multimap, topic, taskqueue")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("meridiand: metrics http server failed")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("meridiand: metrics/health endpoints listening")

	errCh := make(chan error, 1)
	go func() {
		if err := rpcServer.Serve(rpcAddr); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	time.Sleep(200 * time.Millisecond)
	metrics.RegisterComponent("rpc", true, "ready")
	log.Logger.Info().Str("addr", rpcAddr).Msg("meridiand: gateway rpc server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Logger.Info().Msg("meridiand: shutdown signal received")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("meridiand: fatal error")
	}

	collector.Stop()
	rpcServer.Stop()
	_ = httpServer.Close()
	_ = cache.Close()
	if err := node.Shutdown(); err != nil {
		return fmt.Errorf("shutdown raft node: %w", err)
	}
	log.Logger.Info().Msg("meridiand: shutdown complete")
	return nil
}
