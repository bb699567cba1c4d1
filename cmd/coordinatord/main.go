// Command coordinatord is an example host binary wiring the Deployment
// Router, ACK Store, Event Subscriber, Membership Client, and Write
// Coordinator together over a Postgres Shared Store and an etcd-backed
// Membership Service. It is not itself part of the write-consistency
// core: the filesystem operation handlers that would call
// RunConsistencyProtocol from a real metadata service are out of scope,
// so "serve" drives the protocol with synthetic invalidation sets on a
// timer, purely to demonstrate the six-step state machine end-to-end.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/metasync/pkg/ackstore"
	"github.com/cuemby/metasync/pkg/config"
	"github.com/cuemby/metasync/pkg/controlapi"
	"github.com/cuemby/metasync/pkg/coordinator"
	"github.com/cuemby/metasync/pkg/coordtypes"
	"github.com/cuemby/metasync/pkg/eventsub"
	"github.com/cuemby/metasync/pkg/log"
	"github.com/cuemby/metasync/pkg/membership"
	"github.com/cuemby/metasync/pkg/router"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var cfgFile string
var nodeID uint64
var controlAddr string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinatord",
	Short:   "coordinatord runs the write-consistency coordinator for one Node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("coordinatord version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Uint64Var(&nodeID, "node-id", uint64(rand.New(rand.NewSource(time.Now().UnixNano())).Int63()), "This Node's id (random by default)")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control-addr", "127.0.0.1:9091", "Control API listen address")
	config.RegisterFlags(rootCmd.PersistentFlags())

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the Shared Store and Membership Service and serve write-consistency requests",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = config.ApplyFlags(cfg, cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}

	self := coordtypes.NodeIdentity{
		ID:           coordtypes.NodeID(nodeID),
		FunctionName: "coordinatord",
		Deployment:   cfg.LocalDeployment,
	}
	logger := log.WithNodeID(uint64(self.ID)).With().Int("deployment", self.Deployment).Logger()

	r, err := router.New(cfg.NumDeployments, cfg.LocalDeployment)
	if err != nil {
		return fmt.Errorf("coordinatord: building router: %w", err)
	}

	ctx := context.Background()

	store, err := ackstore.NewPGStore(ctx, cfg.SharedStoreDSN)
	if err != nil {
		return fmt.Errorf("coordinatord: connecting to shared store: %w", err)
	}
	defer store.Close()
	if err := store.EnsureDeploymentTables(ctx, cfg.LocalDeployment); err != nil {
		return fmt.Errorf("coordinatord: ensuring deployment tables: %w", err)
	}

	sub := eventsub.New(store.Pool(), time.Duration(cfg.EventRetryBackoffMs)*time.Millisecond, cfg.EventRetryMax)
	defer sub.Close()

	mc, err := membership.New(membership.Config{
		Endpoints:   cfg.MembershipHosts,
		LeaseTTL:    time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond * 10,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("coordinatord: building membership client: %w", err)
	}
	if err := mc.Connect(ctx); err != nil {
		return fmt.Errorf("coordinatord: connecting to membership service: %w", err)
	}
	defer mc.Close()

	// sessionCtx is cancelled the moment this Node's membership lease is
	// lost, so any RunConsistencyProtocol call in flight at the time
	// aborts instead of waiting on acks that will never decide.
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	group := fmt.Sprintf("deployment-%d", cfg.LocalDeployment)
	if err := mc.CreateGroup(ctx, group); err != nil {
		return fmt.Errorf("coordinatord: creating membership group: %w", err)
	}
	if err := mc.JoinGroup(ctx, group, self.ID, cancelSession); err != nil {
		return fmt.Errorf("coordinatord: joining membership group: %w", err)
	}

	coord := coordinator.New(self, r, store, sub, mc)

	ctrl := controlapi.NewServer(coord)
	go func() {
		if err := ctrl.ListenAndServe(controlAddr); err != nil {
			logger.Error().Err(err).Msg("control API server stopped")
		}
	}()
	logger.Info().Str("addr", controlAddr).Msg("control API listening")

	demoDone := make(chan struct{})
	go runDemoWrites(sessionCtx, coord, r, cfg.NumDeployments, logger, demoDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	cancelSession()
	<-demoDone
	return nil
}

// runDemoWrites periodically invents an invalidation set routed to this
// Node's deployment and runs it through RunConsistencyProtocol, standing
// in for the filesystem operation handlers a real metadata service would
// drive this coordinator with.
func runDemoWrites(ctx context.Context, coord *coordinator.Coordinator, r router.Router, numDeployments int, logger zerolog.Logger, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	src := rand.New(rand.NewSource(1))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inodes := syntheticInvalidationSet(r, numDeployments, src)
			outcome, err := coord.RunConsistencyProtocol(ctx, inodes, time.Now())
			if err != nil {
				logger.Warn().Err(err).Msg("demo write aborted")
				continue
			}
			logger.Info().Str("outcome", outcome.String()).Int("inodes", len(inodes)).Msg("demo write completed")
		}
	}
}

// syntheticInvalidationSet invents a small, internally-consistent set of
// sibling inodes under a single parent mapped to this Node's deployment,
// satisfying AUTHORIZE (pkg/router.Check) by construction.
func syntheticInvalidationSet(r router.Router, numDeployments int, src *rand.Rand) []coordtypes.InvalidatedInode {
	parentID := src.Int63n(1_000_000) + 1
	for r.MappedDeployment(parentID) != r.LocalDeployment {
		parentID++
	}

	count := 1 + src.Intn(3)
	inodes := make([]coordtypes.InvalidatedInode, 0, count)
	for i := 0; i < count; i++ {
		inodes = append(inodes, coordtypes.InvalidatedInode{
			InodeID:  parentID*1000 + int64(i),
			ParentID: parentID,
		})
	}
	return inodes
}
