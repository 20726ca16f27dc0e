package cli

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/crosswire-labs/crosswire/internal/harness"
)

// ReplayResult summarises a scenario replay.
type ReplayResult struct {
	Scenario      string               `json:"scenario"`
	Callbacks     int                  `json:"callbacks"`
	Invocations   int                  `json:"invocations"`
	Deterministic bool                 `json:"deterministic"`
	Assertions    []string             `json:"assertion_failures,omitempty"`
	HandlerErrors []string             `json:"handler_errors,omitempty"`
	Trace         []harness.TraceEvent `json:"trace"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a scenario and verify determinism",
		Long: `Execute a YAML scenario against a fresh engine and registry, print the
resulting callback trace, and verify the run is deterministic by executing it
twice and comparing traces.

Exit codes:
  0 - scenario ran, assertions held, replay deterministic
  1 - assertion failure or non-deterministic replay
  2 - command error (scenario unreadable or invalid)

Examples:
  crosswired replay ./scenarios/price-band.yaml
  crosswired replay ./scenarios/price-band.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runReplay(opts *RootOptions, path string, cmd *cobra.Command) error {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	first, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}
	second, err := harness.Run(scenario)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario re-execution failed", err)
	}

	result := ReplayResult{
		Scenario:      scenario.Name,
		Callbacks:     len(first.Trace),
		Deterministic: reflect.DeepEqual(first.Trace, second.Trace),
		HandlerErrors: first.HandlerErrors,
		Trace:         first.Trace,
	}
	for _, ev := range first.Trace {
		if ev.Kind == harness.KindInvoke {
			result.Invocations++
		}
	}
	for _, failure := range harness.Check(first, scenario.Assertions) {
		result.Assertions = append(result.Assertions, failure.Error())
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

func replayFailure(result ReplayResult) error {
	if !result.Deterministic {
		return NewExitError(ExitFailure, "replay is not deterministic")
	}
	if len(result.Assertions) > 0 {
		return NewExitError(ExitFailure,
			fmt.Sprintf("%d assertion(s) failed", len(result.Assertions)))
	}
	return nil
}

func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := Response{Status: "ok", Data: result}
	if err := replayFailure(result); err != nil {
		response.Status = "error"
		response.Error = &ErrorBody{Code: "E_REPLAY", Message: err.Error()}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(response); err != nil {
		return err
	}
	return replayFailure(result)
}

func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Scenario: %s\n", result.Scenario)
	fmt.Fprintf(w, "Callbacks: %d (%d invocations)\n", result.Callbacks, result.Invocations)
	for _, ev := range result.Trace {
		line := fmt.Sprintf("  %-11s chain=%d target=%s gas=%d",
			ev.Kind, ev.DestinationChainID, ev.Target, ev.GasLimit)
		if ev.SubscriptionID != 0 {
			line += fmt.Sprintf(" subscription=%d", ev.SubscriptionID)
		}
		fmt.Fprintln(w, line)
		if verbose {
			fmt.Fprintf(w, "    payload=%s\n", ev.Payload)
		}
	}
	for _, herr := range result.HandlerErrors {
		fmt.Fprintf(w, "  handler error: %s\n", herr)
	}
	fmt.Fprintln(w)

	for _, failure := range result.Assertions {
		fmt.Fprintf(w, "✗ %s\n", failure)
	}
	if !result.Deterministic {
		fmt.Fprintln(w, "✗ Replay is not deterministic")
	}
	if err := replayFailure(result); err != nil {
		return err
	}

	fmt.Fprintln(w, "✓ Replay deterministic, all assertions held")
	return nil
}
