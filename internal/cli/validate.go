package cli

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Swind/go-locality-runner/core"
	"github.com/Swind/go-locality-runner/descriptor"
)

// FileResult is the validation outcome of one descriptor file.
type FileResult struct {
	Path        string `json:"path"`
	Machine     string `json:"machine,omitempty"`
	States      int    `json:"states,omitempty"`
	Transitions int    `json:"transitions,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool         `json:"valid"`
	Files []FileResult `json:"files"`
}

// ErrInvalidFiles is returned when at least one file failed validation.
var ErrInvalidFiles = errors.New("invalid descriptor files")

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate descriptor files",
		Long: `Validate state machine descriptor files.

Every file is parsed and checked for exactly one initial state, at least
one terminal state and transitions that name declared states. Machine names
must be unique across all files. Without arguments the descriptors listed
in the configuration file are checked.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				paths = rootOpts.config().Descriptors
			}
			if len(paths) == 0 {
				return errors.New("no descriptor files given")
			}
			return runValidate(rootOpts, paths, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	res := validateFiles(paths)

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return errors.Wrap(err, "encode result")
		}
	} else {
		for _, f := range res.Files {
			if f.Error != "" {
				fmt.Fprintf(out, "✗ %s: %s\n", f.Path, f.Error)
				continue
			}
			fmt.Fprintf(out, "✓ %s: %s (%d states, %d transitions)\n",
				f.Path, f.Machine, f.States, f.Transitions)
		}
	}

	if !res.Valid {
		return ErrInvalidFiles
	}
	return nil
}

func validateFiles(paths []string) ValidationResult {
	reg := core.NewRegistry()
	res := ValidationResult{Valid: true, Files: make([]FileResult, 0, len(paths))}
	for _, p := range paths {
		fr := FileResult{Path: p}
		desc, err := descriptor.LoadFile(p)
		if err == nil {
			_, err = reg.Register(desc)
		}
		if err != nil {
			fr.Error = err.Error()
			res.Valid = false
			res.Files = append(res.Files, fr)
			continue
		}
		fr.Machine = desc.Name()
		fr.States = desc.NumStates()
		for id := 0; id < desc.NumStates(); id++ {
			fr.Transitions += desc.State(id).Allowed.Len()
		}
		res.Files = append(res.Files, fr)
	}
	return res
}
