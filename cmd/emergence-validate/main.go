package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sgerhart/swarmgate/internal/emergence"
)

func main() {
	var (
		isolatedPath    = flag.String("isolated", "", "Path to the isolated-baseline history JSON file")
		coordinatedPath = flag.String("coordinated", "", "Path to the coordinated-run history JSON file")
		minScore        = flag.Float64("min-score", emergence.DefaultThresholds().MinScore, "Emergence score the coordinated run must exceed")
		minDepth        = flag.Int("min-depth", emergence.DefaultThresholds().MinDepth, "Minimum causal chain depth")
		minCompleteness = flag.Float64("min-completeness", emergence.DefaultThresholds().MinCompleteness, "Minimum decision context completeness")
		equality        = flag.String("equality", string(emergence.EqualityOrdered), "Chain equality policy: ordered or unordered")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "emergence-validate")

	if *isolatedPath == "" || *coordinatedPath == "" {
		logger.Error("Both -isolated and -coordinated history files are required")
		flag.Usage()
		os.Exit(2)
	}

	eq := emergence.ChainEquality(*equality)
	switch eq {
	case emergence.EqualityOrdered, emergence.EqualityUnordered:
	default:
		logger.Error("Unknown equality policy", "equality", *equality)
		os.Exit(2)
	}

	isolated, err := emergence.LoadHistory(*isolatedPath)
	if err != nil {
		logger.Error("Failed to load isolated history", "path", *isolatedPath, "error", err)
		os.Exit(1)
	}
	coordinated, err := emergence.LoadHistory(*coordinatedPath)
	if err != nil {
		logger.Error("Failed to load coordinated history", "path", *coordinatedPath, "error", err)
		os.Exit(1)
	}

	th := emergence.Thresholds{
		MinScore:        *minScore,
		MinDepth:        *minDepth,
		MinCompleteness: *minCompleteness,
		Equality:        eq,
	}

	report, err := emergence.Validate(isolated, coordinated, th)
	if err != nil {
		logger.Error("Validation aborted", "error", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Error("Failed to encode report", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if !report.Passed {
		logger.Error("Release gate failed", "failures", report.Failures)
		os.Exit(1)
	}
	logger.Info("Release gate passed",
		"emergence_score", report.EmergenceScore,
		"causal_chain_depth", report.CausalChainDepth,
		"completeness", report.DecisionContextCompleteness)
}
