// gistctl manages the smart-book-gist deployment and talks to the Groq API
// from the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes, stable for scripting:
//
//	0 converged / success
//	2 bad configuration or missing input file
//	3 remote operation failed
//	4 deploy converged but the service never became ready
const (
	exitOK            = 0
	exitBadConfig     = 2
	exitRemoteFailure = 3
	exitNotReady      = 4
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func newRootCommand(logger zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "gistctl",
		Short:         "Deploy and exercise the smart-book-gist service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDeployCommand(logger),
		newTeardownCommand(logger),
		newPromptCommand(logger),
		newCertsCommand(logger),
	)
	return root
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := newRootCommand(logger).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitBadConfig)
	}
	os.Exit(exitOK)
}
