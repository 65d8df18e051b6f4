package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/BaSui01/minionflow/api/handlers"
	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/event"
)

// execute runs root and reports a failure in the selected format.
func execute(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	format, _ := root.PersistentFlags().GetString("format")
	if format != "json" {
		format = "text"
	}
	f := &OutputFormatter{Format: format, Writer: root.OutOrStdout(), ErrWriter: root.ErrOrStderr()}
	f.Error(err)
	return GetExitCode(err)
}

// =============================================================================
// 🔑 login / logout
// =============================================================================

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Eauth    string
	Username string
	Password string
	Expire   float64
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Open a session and print its token",
		Long: `Open a session against an external auth backend and print the token.

The password is read from --password or MFCTL_PASSWORD.

Example:
  export MFCTL_TOKEN=$(mfctl login -u alice --format json | jq -r .data.token)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Eauth, "eauth", "auto", "external auth backend")
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "user name")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "password (env MFCTL_PASSWORD)")
	cmd.Flags().Float64Var(&opts.Expire, "expire", 0, "token lifetime in seconds, 0 for the master default")
	return cmd
}

func runLogin(cmd *cobra.Command, opts *LoginOptions) error {
	if opts.Password == "" {
		opts.Password = os.Getenv("MFCTL_PASSWORD")
	}
	req := handlers.LoginRequest{Eauth: opts.Eauth, Username: opts.Username, Password: opts.Password}
	if opts.Expire > 0 {
		req.TokenExpire = &opts.Expire
	}
	c, err := opts.client()
	if err != nil {
		return err
	}
	resp, err := c.Login(cmd.Context(), req)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(resp, func(w io.Writer) error {
		return writeLogin(w, resp)
	})
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the current token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.authedClient()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			return opts.formatter(cmd).Success(map[string]bool{"revoked": true}, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, "token revoked")
				return err
			})
		},
	}
}

// =============================================================================
// 🚀 run / runner
// =============================================================================

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	TgtType    string
	Async      bool
	Batch      string
	Wait       float64
	JobTimeout float64
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <target> <function> [args...]",
		Short: "Run an execution module on matching minions",
		Long: `Run an execution module on the minions matching a target.

Arguments of the form key=value are passed as keyword arguments.

Examples:
  mfctl run 'web*' test.ping
  mfctl run -t list web1,web2 cmd.run 'uptime'
  mfctl run --batch 25% '*' test.sleep 1`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.TgtType, "tgt-type", "t", "glob", "target type (glob|list|pcre|nodegroup)")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "publish and return the jid without waiting")
	cmd.Flags().StringVarP(&opts.Batch, "batch", "b", "", "run in batches of N minions or N%")
	cmd.Flags().Float64Var(&opts.Wait, "batch-wait", 0, "seconds to wait between batches")
	cmd.Flags().Float64Var(&opts.JobTimeout, "job-timeout", 0, "seconds to wait for returns, 0 for the master default")
	return cmd
}

func runLocal(cmd *cobra.Command, opts *RunOptions, args []string) error {
	if opts.Async && opts.Batch != "" {
		return NewExitError(ExitCommandError, "--async and --batch are mutually exclusive")
	}
	low := map[string]any{
		"client":   string(dispatch.ModeLocal),
		"tgt":      args[0],
		"tgt_type": opts.TgtType,
		"fun":      args[1],
		"arg":      stringArgs(args[2:]),
	}
	switch {
	case opts.Async:
		low["client"] = string(dispatch.ModeLocalAsync)
	case opts.Batch != "":
		low["client"] = string(dispatch.ModeBatch)
		low["batch"] = opts.Batch
		if opts.Wait > 0 {
			low["batch_wait"] = opts.Wait
		}
	}
	if opts.JobTimeout > 0 {
		low["timeout"] = opts.JobTimeout
	}
	return submit(cmd, opts.RootOptions, low)
}

// RunnerOptions holds flags for the runner command.
type RunnerOptions struct {
	*RootOptions
	Async bool
}

// NewRunnerCommand creates the runner command.
func NewRunnerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunnerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runner <function> [args...]",
		Short: "Run a runner function on the master",
		Long: `Run a runner function on the master.

Examples:
  mfctl runner manage.status
  mfctl runner jobs.lookup_jid jid=20261019120000123456`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			low := map[string]any{
				"client": string(dispatch.ModeRunner),
				"fun":    args[0],
				"arg":    stringArgs(args[1:]),
			}
			if opts.Async {
				low["client"] = string(dispatch.ModeRunnerAsync)
			}
			return submit(cmd, opts.RootOptions, low)
		},
	}

	cmd.Flags().BoolVar(&opts.Async, "async", false, "start the runner and return its jid")
	return cmd
}

func stringArgs(in []string) []any {
	out := make([]any, len(in))
	for i, a := range in {
		out[i] = a
	}
	return out
}

func submit(cmd *cobra.Command, opts *RootOptions, low map[string]any) error {
	c, err := opts.authedClient()
	if err != nil {
		return err
	}
	replies, err := c.Lowstate(cmd.Context(), low)
	if err != nil {
		return err
	}
	if err := opts.formatter(cmd).Success(replies, func(w io.Writer) error {
		return writeReplies(w, replies)
	}); err != nil {
		return err
	}
	for _, r := range replies {
		if r.Status == dispatch.StatusFailed || r.Status == dispatch.StatusTimedOut || len(r.Missing) > 0 {
			return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("job %s finished %s", r.JID, describeStatus(r)), reported: true}
		}
	}
	return nil
}

func describeStatus(r *dispatch.Reply) string {
	if len(r.Missing) > 0 && r.Status == dispatch.StatusCompleted {
		return fmt.Sprintf("with %d minion(s) not responding", len(r.Missing))
	}
	return r.Status
}

// =============================================================================
// 📒 jobs
// =============================================================================

// JobsOptions holds flags for jobs list.
type JobsOptions struct {
	*RootOptions
	Filter JobFilter
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Query the job ledger",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.authedClient()
			if err != nil {
				return err
			}
			jobs, err := c.Jobs(cmd.Context(), opts.Filter)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(jobs, func(w io.Writer) error {
				return writeJobs(w, jobs)
			})
		},
	}
	list.Flags().StringVar(&opts.Filter.Function, "function", "", "function glob, e.g. 'test.*'")
	list.Flags().StringVar(&opts.Filter.Target, "target", "", "target expression")
	list.Flags().StringVar(&opts.Filter.User, "user", "", "submitting user")
	list.Flags().StringVar(&opts.Filter.Since, "since", "", "earliest start time (RFC3339)")
	list.Flags().StringVar(&opts.Filter.Until, "until", "", "latest start time (RFC3339)")
	list.Flags().IntVar(&opts.Filter.Limit, "limit", 0, "maximum number of jobs")

	get := &cobra.Command{
		Use:   "get <jid>",
		Short: "Show the per-minion returns of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.authedClient()
			if err != nil {
				return err
			}
			job, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(job, func(w io.Writer) error {
				return writeJob(w, job)
			})
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

// =============================================================================
// 🖥️ minions
// =============================================================================

// NewMinionsCommand creates the minions command group.
func NewMinionsCommand(opts *RootOptions) *cobra.Command {
	var tgt, tgtType string

	cmd := &cobra.Command{
		Use:   "minions",
		Short: "Inspect connected minions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List minions answering a ping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.authedClient()
			if err != nil {
				return err
			}
			ids, err := c.Minions(cmd.Context(), tgt, tgtType)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(ids, func(w io.Writer) error {
				return writeMinions(w, ids)
			})
		},
	}
	list.Flags().StringVar(&tgt, "tgt", "", "restrict to a target expression")
	list.Flags().StringVarP(&tgtType, "tgt-type", "t", "", "target type for --tgt")

	ping := &cobra.Command{
		Use:   "ping <id>",
		Short: "Ping one minion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.authedClient()
			if err != nil {
				return err
			}
			reply, err := c.Ping(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := opts.formatter(cmd).Success(reply, func(w io.Writer) error {
				return writeReply(w, reply)
			}); err != nil {
				return err
			}
			if len(reply.Missing) > 0 {
				return &ExitError{Code: ExitFailure, Message: "minion " + args[0] + " did not respond", reported: true}
			}
			return nil
		},
	}

	cmd.AddCommand(list, ping)
	return cmd
}

// =============================================================================
// 📡 events
// =============================================================================

// NewEventsCommand creates the events command.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	var (
		tag   string
		count int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow the master event stream",
		Long: `Follow the master event stream, optionally filtered by tag prefix.

In json mode each event is printed as one json object per line.

Example:
  mfctl events --tag job/ --count 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.authedClient()
			if err != nil {
				return err
			}
			f := opts.formatter(cmd)
			seen := 0
			return c.Events(cmd.Context(), tag, func(ev event.Event) error {
				var err error
				if f.json() {
					err = writeEventJSON(f.Writer, ev)
				} else {
					err = writeEvent(f.Writer, ev)
				}
				if err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return errStopStream
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "tag prefix, e.g. job/ or run/")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after N events")
	return cmd
}
