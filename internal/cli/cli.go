package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tracecat/simlab/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("simlab", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
simlab - compile an attack chain and run it against a simulation engine.

Usage:
  simlab [options] LAB_PATH...
  simlab -teardown SESSION_ID [-engine-url URL]
  simlab -list [-catalog PATH]

Arguments:
  LAB_PATH
    Path to a single .hcl lab file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	catalogFlag := flagSet.String("catalog", "", "Path to a YAML primitive catalog. Defaults to the built-in Stratus Red Team catalog.")
	engineURLFlag := flagSet.String("engine-url", "", "Base HTTP URL of the engine for teardown calls. Defaults to the lab's engine host.")
	metricsPortFlag := flagSet.Int("metrics-port", 0, "Port for the /health and /metrics HTTP server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	strictFlag := flagSet.Bool("strict", false, "Reject labs whose graph has nodes unreachable from the start node.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Compile and print the plan without contacting the engine.")
	teardownFlag := flagSet.String("teardown", "", "Tear down the lab with this session id and exit.")
	listFlag := flagSet.Bool("list", false, "Print the catalog's techniques by tactic and its scenarios, then exit.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	paths := flagSet.Args()
	if len(paths) == 0 && *teardownFlag == "" && !*listFlag {
		slog.Debug("No lab path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	if *teardownFlag != "" && *dryRunFlag {
		return nil, false, &ExitError{Code: 2, Message: "-teardown and -dry-run cannot be combined"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		LabPaths:    paths,
		CatalogPath: *catalogFlag,
		EngineURL:   *engineURLFlag,
		LogFormat:   logFormat,
		LogLevel:    logLevel,
		MetricsPort: *metricsPortFlag,
		Strict:      *strictFlag,
		DryRun:      *dryRunFlag,
		TeardownID:  *teardownFlag,
		ListCatalog: *listFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
