package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/minionflow/api/handlers"
	"github.com/BaSui01/minionflow/dispatch"
	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/types"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // request reached the master and failed
	ExitCommandError = 2 // bad flags, unreachable master
	ExitAuthError    = 3 // missing, expired or rejected token
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error

	// reported marks failures whose result was already written; json
	// output skips the error envelope for them.
	reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. API authentication and
// permission failures get ExitAuthError; other API failures ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch types.ErrorCode(apiErr.Code) {
		case types.ErrAuthentication, types.ErrPermissionDenied:
			return ExitAuthError
		}
		return ExitFailure
	}
	return ExitCommandError
}

// CLIResponse is the json output envelope.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failure in json output.
type CLIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// OutputFormatter renders command results as text or json.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

func (f *OutputFormatter) encode(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Success writes data in json mode, or calls text otherwise.
func (f *OutputFormatter) Success(data any, text func(io.Writer) error) error {
	if f.json() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// Error reports err. json mode writes an error envelope to Writer; text
// mode writes one line to ErrWriter.
func (f *OutputFormatter) Error(err error) {
	code, msg, retryable := "CLI_ERROR", err.Error(), false
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		code, msg, retryable = apiErr.Code, apiErr.Message, apiErr.Retryable
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", apiErr.Status)
		}
	}
	var exitErr *ExitError
	if f.json() && errors.As(err, &exitErr) && exitErr.reported {
		return
	}
	if f.json() {
		_ = f.encode(CLIResponse{Status: "error", Error: &CLIError{Code: code, Message: msg, Retryable: retryable}})
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	if retryable {
		fmt.Fprintf(w, "Error [%s]: %s (retryable)\n", code, msg)
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", code, msg)
}

// =============================================================================
// text renderers
// =============================================================================

// writeValue renders v as an indented yaml block.
func writeValue(w io.Writer, v any, indent string) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if _, err := fmt.Fprintf(w, "%s%s\n", indent, line); err != nil {
			return err
		}
	}
	return nil
}

// writeReturns renders a per-minion return map, minions in sorted order.
func writeReturns(w io.Writer, ret any) error {
	byMinion, ok := ret.(map[string]any)
	if !ok {
		return writeValue(w, ret, "    ")
	}
	ids := make([]string, 0, len(byMinion))
	for id := range byMinion {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "%s:\n", id)
		if err := writeValue(w, byMinion[id], "    "); err != nil {
			return err
		}
	}
	return nil
}

func writeReply(w io.Writer, r *dispatch.Reply) error {
	fmt.Fprintf(w, "jid: %s (%s)\n", r.JID, r.Status)
	switch r.Status {
	case dispatch.StatusPublished:
		if len(r.Minions) > 0 {
			fmt.Fprintf(w, "minions: %s\n", strings.Join(r.Minions, ", "))
		}
		return nil
	case dispatch.StatusFailed:
		fmt.Fprintf(w, "error: %v\n", r.Return)
		return nil
	}
	if err := writeReturns(w, r.Return); err != nil {
		return err
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(w, "no response: %s\n", strings.Join(r.Missing, ", "))
	}
	return nil
}

func writeReplies(w io.Writer, replies []*dispatch.Reply) error {
	for i, r := range replies {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := writeReply(w, r); err != nil {
			return err
		}
	}
	return nil
}

func writeJob(w io.Writer, job *handlers.JobResponse) error {
	fmt.Fprintf(w, "jid: %s\n", job.JID)
	if m, ok := job.Return.(map[string]any); ok && len(m) == 0 {
		fmt.Fprintln(w, "no returns recorded")
		return nil
	}
	return writeReturns(w, job.Return)
}

// writeJobs renders the job list as a table sorted by jid.
func writeJobs(w io.Writer, list map[string]map[string]any) error {
	jids := make([]string, 0, len(list))
	for jid := range list {
		jids = append(jids, jid)
	}
	sort.Strings(jids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JID\tFUNCTION\tTARGET\tUSER\tSTARTED\tMINIONS")
	for _, jid := range jids {
		j := list[jid]
		fmt.Fprintf(tw, "%s\t%v\t%s\t%v\t%v\t%d\n",
			jid, j["Function"], targetString(j["Target"]), j["User"], j["StartTime"], countOf(j["Minions"]))
	}
	return tw.Flush()
}

func targetString(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, len(t))
		for i, p := range t {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func countOf(v any) int {
	if l, ok := v.([]any); ok {
		return len(l)
	}
	return 0
}

func writeMinions(w io.Writer, ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		fmt.Fprintln(w, id)
	}
	return nil
}

func writeLogin(w io.Writer, l *handlers.LoginResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "token:\t%s\n", l.Token)
	fmt.Fprintf(tw, "user:\t%s (%s)\n", l.User, l.Eauth)
	fmt.Fprintf(tw, "expires:\t%s\n", unixTime(l.Expire).Format(time.RFC3339))
	if len(l.Groups) > 0 {
		fmt.Fprintf(tw, "groups:\t%s\n", strings.Join(l.Groups, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(l.Perms) > 0 {
		fmt.Fprintln(w, "perms:")
		return writeValue(w, l.Perms, "    ")
	}
	return nil
}

func writeEventJSON(w io.Writer, ev event.Event) error {
	return json.NewEncoder(w).Encode(ev)
}

func writeEvent(w io.Writer, ev event.Event) error {
	fmt.Fprintf(w, "%s\t%s\n", ev.Stamp.UTC().Format(time.RFC3339), ev.Tag)
	if len(ev.Data) == 0 {
		return nil
	}
	return writeValue(w, ev.Data, "    ")
}

func unixTime(sec float64) time.Time {
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
}
