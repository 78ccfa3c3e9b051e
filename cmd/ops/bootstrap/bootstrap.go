package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"
)

// ParameterType selects SecureString or String storage.
type ParameterType int

const (
	ParamSecureString ParameterType = iota
	ParamString
)

// BootstrapStep is one SSM parameter the evaluator reads at startup.
type BootstrapStep struct {
	HumanLabel string
	// SSMCategoryKey becomes /{env}/alarmeval/{SSMCategoryKey}.
	SSMCategoryKey string
	// EnvVar is the configuration variable the parameter resolves.
	EnvVar     string
	ParamType  ParameterType
	Prompt     string
	ValidateFn func(ctx context.Context, input string) ValidationResult
	// IsSecret masks terminal input.
	IsSecret bool
	Optional bool
}

const maxRetries = 5

var errSkipped = errors.New("parameter skipped by operator")

// BuildInventory lists the parameters in prompt order.
func BuildInventory(v *Validator) []BootstrapStep {
	return []BootstrapStep{
		{
			HumanLabel:     "Database URL",
			SSMCategoryKey: "database/url",
			EnvVar:         "DATABASE_URL",
			ParamType:      ParamSecureString,
			Prompt:         "Paste the postgres://... connection string of the alarm database:",
			ValidateFn:     v.ValidateDatabaseURL,
			IsSecret:       true,
		},
		{
			HumanLabel:     "Alarm notification queue",
			SSMCategoryKey: "sqs/alarm_notifications",
			EnvVar:         "SQS_ALARM_NOTIFICATIONS",
			ParamType:      ParamString,
			Prompt:         "Paste the URL of the SQS queue receiving alarm.update messages:",
			ValidateFn:     v.ValidateQueueURL,
		},
		{
			HumanLabel:     "Alarm history queue (optional)",
			SSMCategoryKey: "sqs/alarm_history",
			EnvVar:         "SQS_ALARM_HISTORY",
			ParamType:      ParamString,
			Prompt:         "Paste the URL of the alarm.state_transition queue (or press Enter to skip):",
			ValidateFn:     v.ValidateQueueURL,
			Optional:       true,
		},
		{
			HumanLabel:     "Alarm event queue (optional)",
			SSMCategoryKey: "sqs/alarm_events",
			EnvVar:         "SQS_ALARM_EVENTS",
			ParamType:      ParamString,
			Prompt:         "Paste the URL of the queue carrying streamed events (or press Enter to skip):",
			ValidateFn:     v.ValidateQueueURL,
			Optional:       true,
		},
		{
			HumanLabel:     "Prometheus URL (optional)",
			SSMCategoryKey: "prometheus/url",
			EnvVar:         "PROMETHEUS_URL",
			ParamType:      ParamString,
			Prompt:         "Paste the base URL of the Prometheus server (or press Enter to skip):",
			ValidateFn:     v.ValidatePrometheusURL,
			Optional:       true,
		},
	}
}

// BootstrapRunner drives the prompt loop. It is separate from main for
// testing.
type BootstrapRunner struct {
	SSM       *SSMManager
	Validator *Validator
	Stdin     io.Reader
	Stderr    io.Writer

	// SkipOptional auto-skips every optional step.
	SkipOptional bool

	// One scanner for the whole session; several would read ahead and
	// lose input.
	scanner *bufio.Scanner

	inventoryOverride []BootstrapStep
}

// NewBootstrapRunner creates a runner with production dependencies.
func NewBootstrapRunner(bctx *BootstrapContext) *BootstrapRunner {
	return &BootstrapRunner{
		SSM:       NewSSMManager(bctx),
		Validator: NewValidator(),
		Stdin:     os.Stdin,
		Stderr:    os.Stderr,
	}
}

// StepResult records what happened to one parameter.
type StepResult struct {
	Label  string
	EnvVar string
	Path   string
	// Action is one of written, overwritten, kept or skipped.
	Action string
}

// Run processes every inventory step and prints a summary.
func (r *BootstrapRunner) Run(ctx context.Context) ([]StepResult, error) {
	inventory := r.inventoryOverride
	if inventory == nil {
		inventory = BuildInventory(r.Validator)
	}

	results := make([]StepResult, 0, len(inventory))
	for i, step := range inventory {
		fmt.Fprintf(r.Stderr, "\n[%d/%d] %s\n", i+1, len(inventory), step.HumanLabel)
		result, err := r.processStep(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %q failed: %w", step.HumanLabel, err)
		}
		results = append(results, result)
	}
	r.printSummary(results)
	return results, nil
}

func (r *BootstrapRunner) processStep(ctx context.Context, step BootstrapStep) (StepResult, error) {
	path := r.SSM.SSMPath(step.SSMCategoryKey)
	result := StepResult{Label: step.HumanLabel, EnvVar: step.EnvVar, Path: path}

	if step.Optional && r.SkipOptional {
		fmt.Fprintf(r.Stderr, "  Skipped (--skip-optional)\n")
		result.Action = "skipped"
		return result, nil
	}

	exists, err := r.SSM.ParameterExists(ctx, path)
	if err != nil {
		return result, err
	}
	if exists {
		fmt.Fprintf(r.Stderr, "  Parameter already exists: %s\n", path)
		overwrite, err := r.promptOverwrite()
		if err != nil {
			return result, fmt.Errorf("reading keep/overwrite choice: %w", err)
		}
		if !overwrite {
			result.Action = "kept"
			return result, nil
		}
	}

	value, err := r.promptAndValidate(ctx, step)
	if errors.Is(err, errSkipped) {
		fmt.Fprintf(r.Stderr, "  Skipped.\n")
		result.Action = "skipped"
		return result, nil
	}
	if err != nil {
		return result, err
	}

	if step.ParamType == ParamSecureString {
		err = r.SSM.PutSecret(ctx, path, value, exists)
	} else {
		err = r.SSM.PutString(ctx, path, value)
	}
	if err != nil {
		return result, err
	}

	result.Action = "written"
	if exists {
		result.Action = "overwritten"
	}
	fmt.Fprintf(r.Stderr, "  Stored: %s\n", path)
	return result, nil
}

// promptAndValidate re-prompts on validation failure, up to maxRetries.
// Empty input skips optional steps and is rejected for required ones.
func (r *BootstrapRunner) promptAndValidate(ctx context.Context, step BootstrapStep) (string, error) {
	fmt.Fprintf(r.Stderr, "\n  %s\n\n", step.Prompt)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		var input string
		var err error
		if step.IsSecret {
			input, err = r.readSecretInput("  > ")
		} else {
			input, err = r.readInput("  > ")
		}
		if err != nil {
			return "", fmt.Errorf("reading input for %s: %w", step.HumanLabel, err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			if step.Optional {
				return "", errSkipped
			}
			fmt.Fprintf(r.Stderr, "  A value is required.\n")
			continue
		}
		if step.IsSecret {
			// Never echo secrets back.
			fmt.Fprintf(r.Stderr, "  Received %d chars.\n", len(input))
		}

		if step.ValidateFn != nil {
			vr := step.ValidateFn(ctx, input)
			if !vr.Valid {
				fmt.Fprintf(r.Stderr, "  Validation failed: %s\n", vr.Message)
				continue
			}
			fmt.Fprintf(r.Stderr, "  Validated: %s\n", vr.Message)
		}
		return input, nil
	}
	return "", fmt.Errorf("maximum retries (%d) exceeded for %s", maxRetries, step.HumanLabel)
}

func (r *BootstrapRunner) scanLine() (string, error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.Stdin)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *BootstrapRunner) readInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	return r.scanLine()
}

// readSecretInput disables echo when stdin is a terminal and falls back to
// plain line reading for piped input.
func (r *BootstrapRunner) readSecretInput(prompt string) (string, error) {
	fmt.Fprint(r.Stderr, prompt)
	if f, ok := r.Stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(r.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret input: %w", err)
		}
		return string(secret), nil
	}
	return r.scanLine()
}

func (r *BootstrapRunner) promptOverwrite() (bool, error) {
	for {
		fmt.Fprint(r.Stderr, "  [K]eep or [O]verwrite? ")
		line, err := r.scanLine()
		if err != nil {
			return false, err
		}
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "k", "keep":
			return false, nil
		case "o", "overwrite":
			return true, nil
		default:
			fmt.Fprintf(r.Stderr, "  Please enter 'K' to keep or 'O' to overwrite.\n")
		}
	}
}

func (r *BootstrapRunner) printSummary(results []StepResult) {
	fmt.Fprintf(r.Stderr, "\n============================================================\n")
	fmt.Fprintf(r.Stderr, "  Bootstrap Summary\n")
	fmt.Fprintf(r.Stderr, "============================================================\n")
	for _, res := range results {
		fmt.Fprintf(r.Stderr, "  %-14s %s\n", "["+strings.ToUpper(res.Action)+"]", res.Label)
	}
	fmt.Fprintf(r.Stderr, "============================================================\n")
}

// WritePointers writes NAME_SSM_PARAM=/path lines for every parameter that
// exists in SSM after the run, sorted by variable name.
func WritePointers(w io.Writer, results []StepResult) error {
	stored := make([]StepResult, 0, len(results))
	for _, res := range results {
		if res.Action != "skipped" {
			stored = append(stored, res)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].EnvVar < stored[j].EnvVar })

	for _, res := range stored {
		if _, err := fmt.Fprintf(w, "%s_SSM_PARAM=%s\n", res.EnvVar, res.Path); err != nil {
			return fmt.Errorf("writing pointer for %s: %w", res.EnvVar, err)
		}
	}
	return nil
}
