package cli

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/crosswire-labs/crosswire/internal/manifest"
)

// ValidationIssue is one problem found in a trigger manifest.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult summarises a manifest validation run.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Triggers []string          `json:"triggers,omitempty"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <triggers-dir>",
		Short: "Validate trigger manifests without registering them",
		Long: `Compile the CUE trigger manifests in a directory and report every
problem found, without touching a database or registering anything.

Exit codes:
  0 - all manifests valid
  1 - one or more manifests invalid
  2 - command error (directory missing, no CUE files)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result, errs := manifest.Load(dir, manifest.LoadModeCollectAll)
	if result == nil {
		// Nothing loadable at all: directory missing, unreadable, or empty.
		issue := toIssue(errs[0])
		_ = formatter.Error(issue.Code, issue.Message, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, dir)

	names := make([]string, 0, len(result.Triggers))
	for _, t := range result.Triggers {
		names = append(names, t.Name)
	}

	if len(errs) > 0 {
		issues := make([]ValidationIssue, 0, len(errs))
		for _, err := range errs {
			issues = append(issues, toIssue(err))
		}
		return outputIssues(formatter, names, issues)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(ValidationResult{Valid: true, Triggers: names}); err != nil {
			return err
		}
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ %d trigger(s) valid\n", len(names))
	return nil
}

func toIssue(err error) ValidationIssue {
	var loadErr *manifest.LoadError
	if errors.As(err, &loadErr) {
		return ValidationIssue{
			Code:    loadErr.Code,
			Message: loadErr.Message,
			Line:    lineOf(loadErr.Pos),
		}
	}
	return ValidationIssue{Code: manifest.ErrCodeGeneric, Message: err.Error()}
}

func lineOf(pos token.Pos) int {
	if pos.IsValid() {
		return pos.Line()
	}
	return 0
}

func outputIssues(formatter *OutputFormatter, names []string, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		if err := formatter.Error(issues[0].Code, issues[0].Message,
			ValidationResult{Valid: false, Triggers: names, Issues: issues}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(issues)))
}
