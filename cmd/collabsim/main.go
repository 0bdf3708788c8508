// Command collabsim is the simulator's CLI entrypoint: cobra/viper flag
// parsing assembling an internal/config.RunConfig, then a single call into
// internal/driver.Run. Grounded on the teacher's cmd/quantum-node/main.go
// (persistent flags bound through viper, a root command that does the
// work rather than a deep subcommand tree) — generalized here into two
// subcommands (run, version) since a simulator run is a single batch job,
// not a long-lived listening process.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabsim/internal/config"
	"collabsim/internal/driver"
	"collabsim/internal/monitoring"
	"collabsim/internal/store"
	"collabsim/pkg/dataset"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile  string
	seed        int64
	numAgents   int
	durationS   float64
	imKind      string
	clsKind     string
	dataDir     string
	persist     bool
	metricsAddr string
	outFile     string
)

var rootCmd = &cobra.Command{
	Use:   "collabsim",
	Short: "Decentralized collaborative AI incentive simulator",
	Long:  "Simulates a population of agents contributing labeled data under a pluggable incentive mechanism (Stakeable or Prediction Market) and writes a run artifact.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation and write its artifact",
	RunE:  runSimulation,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("collabsim %s (%s)\n", version, commit)
	},
}

func init() {
	runCmd.Flags().StringVar(&configFile, "config", "", "run config JSON file (overrides defaults; flags override the file)")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed")
	runCmd.Flags().IntVar(&numAgents, "agents", 0, "agent count (0 keeps the config file's population)")
	runCmd.Flags().Float64Var(&durationS, "duration", 0, "run duration in simulated seconds (0 keeps the config file's value)")
	runCmd.Flags().StringVar(&imKind, "im", "", "incentive mechanism: stakeable|market (empty keeps the config file's value)")
	runCmd.Flags().StringVar(&clsKind, "classifier", "", "classifier: centroid (empty keeps the config file's value)")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory for persisted run history")
	runCmd.Flags().BoolVar(&persist, "persist", false, "append every snapshot to a goleveldb run-history store under --data-dir")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /healthz, /status, /metrics on (empty disables monitoring)")
	runCmd.Flags().StringVar(&outFile, "out", "", "write the run artifact JSON here (empty prints to stdout)")

	if err := viper.BindPFlags(runCmd.Flags()); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd, versionCmd)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultRunConfig()
	if configFile != "" {
		loaded, err := config.LoadRunConfig(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.Seed = seed
	if durationS > 0 {
		cfg.DurationS = durationS
	}
	if imKind != "" {
		cfg.IncentiveMechanism = imKind
	}
	if clsKind != "" {
		cfg.Classifier = clsKind
	}
	if numAgents > 0 {
		cfg.Agents = scaleAgents(cfg.Agents, numAgents)
	}
	cfg.DataDir = dataDir
	cfg.Persist = persist
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	initTrain, streamTrain := dataset.Blobs(rng, 4, 200, 0)
	_, testData := dataset.Blobs(rng, 4, 0, 200)

	var mon *monitoring.Server
	if cfg.MetricsAddr != "" {
		mon = monitoring.NewServer(cfg.MetricsAddr)
		mon.Start()
		defer mon.Stop()
	}

	var persisted *store.Store
	runID := fmt.Sprintf("run-%d", cfg.Seed)
	if cfg.Persist {
		s, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer s.Close()
		persisted = s
	}

	artifact, err := driver.Run(cfg, initTrain, streamTrain, testData, mon, persisted, runID)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	out, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if outFile == "" {
		fmt.Println(string(out))
		return nil
	}
	return os.WriteFile(outFile, out, 0644)
}

// scaleAgents repeats or truncates the configured agent population to
// reach n entries, suffixing duplicated names so addresses stay distinct.
func scaleAgents(agents []config.AgentConfig, n int) []config.AgentConfig {
	if len(agents) == 0 || n <= 0 {
		return agents
	}
	out := make([]config.AgentConfig, n)
	for i := 0; i < n; i++ {
		base := agents[i%len(agents)]
		base.Name = fmt.Sprintf("%s-%d", base.Name, i)
		out[i] = base
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
