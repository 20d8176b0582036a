package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"module_vali/internal/dataType"
)

var basePath string

var rootCmd = &cobra.Command{
	Use:           "module_vali",
	Short:         "module_vali - peer evaluation and voting node",
	Long:          `module_vali evaluates the peers of a network, keeps an EMA score per peer and submits weighted votes to the registry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	runWorkers   int
	runBatchSize int
	runNoServer  bool
	boardMaxAge  time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&basePath, "prefix", "", "Config file base path")

	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", -1, "Number of evaluation workers (default from config)")
	runCmd.Flags().IntVarP(&runBatchSize, "batch-size", "b", 0, "Calls in flight per worker (default from config)")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not start the status server")
	leaderboardCmd.Flags().DurationVar(&boardMaxAge, "max-age", 0, "Only list records evaluated within this age (default vote_staleness_max)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(refreshStatsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("module_vali v" + dataType.ValiVersion)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the evaluation workers, the vote loop and the status server",
}

func runRunCmd(a *app, cmd *cobra.Command, args []string) error {
	workers := a.cfg.NumWorkers
	if runWorkers >= 0 {
		workers = runWorkers
	}
	batchSize := a.cfg.BatchSize
	if runBatchSize > 0 {
		batchSize = runBatchSize
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.sup.Start(ctx, workers, batchSize); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	serverErr := make(chan error, 1)
	if !runNoServer {
		srv, err := a.statusServer()
		if err != nil {
			_ = a.sup.Stop()
			return err
		}
		go func() {
			serverErr <- srv.ListenAndServe(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("stopping node...")
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}

	if err := a.sup.Stop(); err != nil {
		return err
	}
	a.logger.Info("node stopped")
	return nil
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard",
	Short: "Print the scored peers, best first",
}

func runLeaderboardCmd(a *app, cmd *cobra.Command, args []string) error {
	maxAge := a.cfg.VoteStalenessMax
	if boardMaxAge > 0 {
		maxAge = boardMaxAge
	}
	board, err := a.store.Leaderboard(cmd.Context(), maxAge)
	if err != nil {
		return err
	}
	if board == nil {
		board = []dataType.PeerRecord{}
	}
	return printJSON(board)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the run info and storage summary of this node",
}

type nodeInfo struct {
	dataType.RunInfo
	Records  int                   `json:"records"`
	LastVote *dataType.VotePayload `json:"last_vote,omitempty"`
	Network  string                `json:"network"`
	Subnet   int                   `json:"subnet"`
}

func runInfoCmd(a *app, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a.refresh(ctx)

	records, err := a.store.Count(ctx)
	if err != nil {
		return err
	}
	out := nodeInfo{
		RunInfo: a.sup.RunInfo(ctx),
		Records: records,
		Network: a.cfg.Network,
		Subnet:  a.cfg.Subnet,
	}
	last, found, err := a.agg.LastVote(ctx)
	if err != nil {
		return err
	}
	if found {
		out.LastVote = &last
	}
	return printJSON(out)
}

var voteCmd = &cobra.Command{
	Use:   "vote",
	Short: "Build a vote from the score store and submit it",
}

func runVoteCmd(a *app, cmd *cobra.Command, args []string) error {
	outcome := a.sup.Vote(cmd.Context())
	if err := printJSON(outcome); err != nil {
		return err
	}
	if outcome.Status == dataType.VoteFailed {
		return errors.New(outcome.Error)
	}
	return nil
}

var evalCmd = &cobra.Command{
	Use:   "eval [peer]",
	Short: "Evaluate one peer by name or address",
	Args:  cobra.ExactArgs(1),
}

func runEvalCmd(a *app, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a.refresh(ctx)
	rec, err := a.sup.EvalPeer(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(rec)
}

var refreshStatsCmd = &cobra.Command{
	Use:   "refresh-stats",
	Short: "Remove every stored peer record of this tag and network",
}

func runRefreshStatsCmd(a *app, cmd *cobra.Command, args []string) error {
	if err := a.store.Reset(cmd.Context()); err != nil {
		return err
	}
	a.logger.Info("peer records removed", zap.String("path", a.cfg.StoragePath()))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// newAppRunner builds the app from the --prefix config before running
// runFunc and closes it afterwards.
func newAppRunner(runFunc func(*app, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(basePath)
		if err != nil {
			return err
		}
		defer a.Close()
		return runFunc(a, cmd, args)
	}
}

func main() {
	runCmd.RunE = newAppRunner(runRunCmd)
	leaderboardCmd.RunE = newAppRunner(runLeaderboardCmd)
	infoCmd.RunE = newAppRunner(runInfoCmd)
	voteCmd.RunE = newAppRunner(runVoteCmd)
	evalCmd.RunE = newAppRunner(runEvalCmd)
	refreshStatsCmd.RunE = newAppRunner(runRefreshStatsCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
