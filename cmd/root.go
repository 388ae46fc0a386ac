// Package cmd is the CLI entrypoint: a cobra root command with
// flag-bound configuration and a logrus-backed run loop.
package cmd

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pagedkv/pagedkv/config"
	"github.com/pagedkv/pagedkv/core"
	"github.com/pagedkv/pagedkv/engine"
)

var (
	configPath   string
	blockSize    int
	numGPUBlocks int
	numCPUBlocks int
	enableCache  bool
	maxSteps     int
	prompts      []string
)

var rootCmd = &cobra.Command{
	Use:   "pagedkv",
	Short: "Paged KV-cache block manager and request scheduler demo",
	RunE:  runDemo,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to an engine config YAML file (optional)")
	rootCmd.Flags().IntVar(&blockSize, "block-size", 16, "tokens per KV block")
	rootCmd.Flags().IntVar(&numGPUBlocks, "num-gpu-blocks", 2048, "GPU block count")
	rootCmd.Flags().IntVar(&numCPUBlocks, "num-cpu-blocks", 512, "CPU swap block count")
	rootCmd.Flags().BoolVar(&enableCache, "enable-caching", true, "enable prefix-caching block allocator")
	rootCmd.Flags().IntVar(&maxSteps, "max-steps", 64, "maximum scheduler steps to run")
	rootCmd.Flags().StringSliceVar(&prompts, "prompt-lengths", []string{"32", "64", "16"}, "comma-separated prompt token counts to synthesize as demo requests")
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatalf("pagedkv: %v", err)
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	var cfg config.EngineConfig
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.BlockManager.BlockSize = blockSize
		cfg.BlockManager.NumGPUBlocks = numGPUBlocks
		cfg.BlockManager.NumCPUBlocks = numCPUBlocks
		cfg.BlockManager.EnableCaching = enableCache
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	e := engine.New(cfg.BlockManager, cfg.Scheduler, engine.AlwaysAdmit{})
	metrics := engine.NewMetricsRecorder()

	for i, lenStr := range prompts {
		n := 0
		if _, err := fmt.Sscanf(lenStr, "%d", &n); err != nil || n <= 0 {
			continue
		}
		tokens := make([]int, n)
		for j := range tokens {
			tokens[j] = j % 32000
		}
		requestID := fmt.Sprintf("demo-%d", i)
		if _, err := e.AddRequest(requestID, tokens, core.SamplingParams{N: 1, MaxTokens: 8}); err != nil {
			logrus.Warnf("pagedkv: request %s rejected: %v", requestID, err)
		}
	}

	for step := 0; step < maxSteps && e.HasUnfinishedRequests(); step++ {
		stepStart := time.Now()
		res, err := e.Step()
		if err != nil {
			return err
		}
		if res.Outputs.PromptRun {
			metrics.RecordTTFT(time.Since(stepStart).Seconds())
		} else {
			metrics.RecordTPOT(time.Since(stepStart).Seconds())
		}
		out := res.Outputs
		if out.PromptRun {
			logrus.Infof("step %d: prefill batch, %d tokens, %d groups", step, out.NumBatchedTokens, len(out.ScheduledSeqGroups))
		} else {
			logrus.Infof("step %d: decode batch, %d seqs, %d swap-in, %d swap-out, %d copies",
				step, out.NumBatchedTokens, len(out.BlocksToSwapIn), len(out.BlocksToSwapOut), len(out.BlocksToCopy))
		}
		// Stand in for the executor: sample one synthetic token per
		// scheduled sequence so generation advances and finishes.
		for _, md := range res.Batch {
			idx := 0
			for range md.SeqData {
				if err := e.AppendSampledToken(md.RequestID, idx, (step*31+idx)%32000, -0.5); err != nil {
					logrus.Debugf("pagedkv: append token: %v", err)
				}
				idx++
			}
		}
		for _, ro := range res.Requests {
			if ro.Finished {
				logrus.Infof("  %s finished", ro.RequestID)
			}
		}
	}

	if p50, ok := metrics.Quantile("tpot", 0.5); ok {
		p95, _ := metrics.Quantile("tpot", 0.95)
		logrus.Infof("decode step latency p50=%.6fs p95=%.6fs", p50, p95)
	}
	return nil
}
