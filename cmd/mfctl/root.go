package main

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultURL = "http://127.0.0.1:8000"
	envURL     = "MFCTL_URL"
	envToken   = "MFCTL_TOKEN"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	URL      string
	Token    string
	Format   string // "json" | "text"
	CAFile   string
	Insecure bool
	Timeout  time.Duration

	// newClient is swapped in tests.
	newClient func(o *RootOptions) (*Client, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the mfctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "mfctl",
		Short:         "Command line client for a minionflow master",
		Long:          "mfctl logs in to a minionflow master, submits jobs, queries the job ledger and follows the event stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.URL == "" {
				opts.URL = os.Getenv(envURL)
			}
			if opts.URL == "" {
				opts.URL = defaultURL
			}
			if opts.Token == "" {
				opts.Token = os.Getenv(envToken)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "master API url (env "+envURL+", default "+defaultURL+")")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "session token (env "+envToken+")")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.CAFile, "ca", "", "CA bundle for https masters")
	cmd.PersistentFlags().BoolVar(&opts.Insecure, "insecure", false, "skip TLS verification")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 90*time.Second, "HTTP request timeout")

	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRunnerCommand(opts))
	cmd.AddCommand(NewJobsCommand(opts))
	cmd.AddCommand(NewMinionsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd
}

func (o *RootOptions) client() (*Client, error) {
	if o.newClient != nil {
		return o.newClient(o)
	}
	c, err := NewClient(o.URL, o.Token, o.CAFile, o.Insecure, o.Timeout)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid client settings", err)
	}
	return c, nil
}

// authedClient is client for commands that need a session token.
func (o *RootOptions) authedClient() (*Client, error) {
	if o.Token == "" {
		return nil, NewExitError(ExitAuthError, "no token: run mfctl login and pass --token or set "+envToken)
	}
	return o.client()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}
}
