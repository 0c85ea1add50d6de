// mcpg trains a REINFORCE (Monte Carlo Policy Gradient) agent on one of the registered
// environments, and optionally evaluates its greedy policy at the end.
//
// Example:
//
//	$ mcpg -env=cartpole:max_steps=500 -ai=checkpoint=~/work/mcpg/cartpole,learning_rate=1e-3 -episodes=2000 -eval=20
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/janpfeifer/mcpg/internal/env"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/janpfeifer/mcpg/internal/policy"
	"github.com/janpfeifer/mcpg/internal/profilers"
	"github.com/janpfeifer/mcpg/internal/trainer"
	"github.com/janpfeifer/mcpg/internal/ui/progress"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	flagEnv = flag.String("env", env.DefaultConfig,
		fmt.Sprintf("Environment configuration, \"<name>:<key>=<value>,...\". Registered environments: %s.",
			strings.Join(env.Names(), ", ")))
	flagAIConfig = flag.String("ai", "", "Agent configuration, \"<key>=<value>,...\". "+
		"E.g.: \"checkpoint=cartpole,learning_rate=1e-3,gamma=0.99,seed=42\". Use \"help\" to list the hyperparameters.")
	flagEpisodes    = flag.Int("episodes", 1000, "Number of episodes to train. A value <= 0 trains until interrupted.")
	flagMaxSteps    = flag.Int("max_steps", 0, "If > 0, episodes are truncated at this number of steps.")
	flagLogPeriod   = flag.Int("log_period", trainer.DefaultLogPeriod, "Log training statistics every these many time steps.")
	flagEval        = flag.Int("eval", 0, "Number of episodes to evaluate the greedy policy after training. 0 to skip.")
	flagParallelism = flag.Int("parallelism", 0, "If > 0 ignore GOMAXPROCS and play these many evaluation episodes simultaneously.")
	flagProgress    = flag.Bool("progress", true, "Display a progress line while training.")

	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	progress.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server, CPU and heap profiles.
	must.M(profilers.Setup(globalCtx))
	defer profilers.OnQuit()

	e := must.M1(env.New(*flagEnv))
	agent := must.M1(createAgent(e))
	defer agent.Finalize()
	fmt.Printf("Training %s on %s\n", agent, e)

	tr := trainer.New(e, agent, trainer.Config{
		Episodes:        *flagEpisodes,
		MaxSteps:        *flagMaxSteps,
		LogPeriod:       *flagLogPeriod,
		EvalEpisodes:    *flagEval,
		EvalParallelism: *flagParallelism,
	})
	stats, err := train(tr)
	if err != nil {
		klog.Exitf("Training failed: %+v", err)
	}
	if err = agent.Save(); err != nil {
		klog.Errorf("Failed to save the final model: %+v", err)
	}
	rows := []progress.Row{
		{Key: "environment", Value: e.String()},
		{Key: "episodes", Value: fmt.Sprintf("%d (total %d)", stats.Episodes, agent.Episode())},
		{Key: "time steps", Value: fmt.Sprintf("%d (total %d)", stats.TimeSteps, agent.TimeStep())},
		{Key: "~reward", Value: fmt.Sprintf("%.2f", stats.AverageReward)},
		{Key: "best reward", Value: fmt.Sprintf("%.2f", stats.BestReward)},
		{Key: "~loss", Value: fmt.Sprintf("%.4f", stats.AverageLoss)},
		{Key: "entropy", Value: fmt.Sprintf("%.3f (max %.3f)", stats.LastEntropy, policy.MaxEntropy(e.NumActions()))},
		{Key: "elapsed", Value: stats.Elapsed.Round(time.Millisecond).String()},
	}

	if *flagEval > 0 && globalCtx.Err() == nil {
		evalStats, err := tr.Evaluate(globalCtx, *flagEnv)
		if err != nil && globalCtx.Err() == nil {
			klog.Exitf("Evaluation failed: %+v", err)
		}
		if err == nil {
			rows = append(rows,
				progress.Row{Key: "eval reward", Value: fmt.Sprintf("%.2f (min %.2f, max %.2f)", evalStats.Mean, evalStats.Min, evalStats.Max)},
				progress.Row{Key: "eval steps", Value: fmt.Sprintf("%.1f", evalStats.MeanSteps)})
		}
	}
	fmt.Println()
	progress.PrintCentered(progress.Summary("REINFORCE", rows))
	fmt.Println()
}

// createAgent from the -ai flag, for the dimensions of the environment.
func createAgent(e env.Environment) (*policy.Agent, error) {
	params := parameters.NewFromConfigString(*flagAIConfig)
	if dir, found := params["checkpoint"]; found {
		params["checkpoint"] = expandHome(dir)
	}
	agent, err := policy.New(e.NumFeatures(), e.NumActions(), params)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create agent from -ai=%q", *flagAIConfig)
	}
	return agent, nil
}

// train runs the trainer, displaying the progress line if enabled.
func train(tr *trainer.Trainer) (trainer.Stats, error) {
	if *flagProgress {
		line := progress.NewLine(os.Stdout)
		defer line.Done()
		tr.OnEpisode = func(s trainer.Stats) {
			line.Update(fmt.Sprintf("\tTraining: %s, elapsed=%s", s, s.Elapsed.Round(time.Second)), false)
		}
	}
	stats, err := tr.Run(globalCtx)
	if globalCtx.Err() != nil {
		fmt.Printf("\nInterrupted: %s\n", globalCtx.Err())
	}
	return stats, err
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		klog.Warningf("Failed to find home directory to expand %q: %v", path, err)
		return path
	}
	return filepath.Join(home, path[1:])
}
