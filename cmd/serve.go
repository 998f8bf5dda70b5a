package cmd

import (
	"math/rand"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/core-engine/engine"
)

var (
	configPath   string
	numRequests  int
	minTokens    int
	maxTokens    int
	lanes        []string
	heartbeatN   int
	workloadSeed int64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Drive a batch engine over a synthetic request stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle := &EngineBundle{DefaultLaneWeight: 1.0, PrefillChunkSize: 128}
		if configPath != "" {
			loaded, err := LoadEngineBundle(configPath)
			if err != nil {
				return err
			}
			bundle = loaded
		}

		e, err := engine.New(bundle.EngineConfig(), engine.StubBackend{})
		if err != nil {
			return err
		}
		for _, lane := range bundle.Lanes {
			if err := e.RegisterLane(lane.Name, lane.Weight); err != nil {
				return err
			}
		}

		rng := rand.New(rand.NewSource(workloadSeed))
		workload := generateWorkload(rng, numRequests, lanes, minTokens, maxTokens)
		logrus.Infof("generated %d synthetic requests across lanes %v", len(workload), lanes)

		pending := make(map[string][]int32, len(workload))
		for _, req := range workload {
			pending[req.ID] = req.Tokens
			if err := e.SubmitRequest(req.ID, req.Tokens, req.Lane); err != nil {
				return err
			}
		}

		tick := 0
		for len(pending) > 0 {
			served, err := e.RunOnce(pending)
			if err != nil {
				return err
			}
			if served == "" {
				break
			}
			delete(pending, served)
			tick++
			if heartbeatN > 0 && tick%heartbeatN == 0 {
				hb := e.Heartbeat()
				logrus.Infof("heartbeat tick=%d active=%d load_factor=%.2f remaining=%d",
					tick, hb.ActiveCount, hb.LoadFactor, len(pending))
			}
		}

		stats := e.Stats()
		logrus.Infof("drained after %d ticks: kv used=%d/%d prefix entries=%d",
			tick, stats.KV.UsedBlocks, stats.KV.TotalBlocks, stats.Prefix.Entries)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML engine config file")
	serveCmd.Flags().IntVar(&numRequests, "requests", 100, "Number of synthetic requests to generate")
	serveCmd.Flags().IntVar(&minTokens, "min-tokens", 8, "Minimum synthetic prompt length")
	serveCmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "Maximum synthetic prompt length")
	serveCmd.Flags().StringSliceVar(&lanes, "lanes", []string{"default"}, "Lane names to distribute synthetic requests across")
	serveCmd.Flags().IntVar(&heartbeatN, "heartbeat-every", 10, "Log a heartbeat every N served ticks (0 disables)")
	serveCmd.Flags().Int64Var(&workloadSeed, "seed", 1, "Synthetic workload RNG seed")

	rootCmd.AddCommand(serveCmd)
}
