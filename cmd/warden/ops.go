package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/approval"
	"github.com/basket/warden/internal/breaker"
	"github.com/basket/warden/internal/dlq"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/reasoning"
	"github.com/basket/warden/internal/task"
)

// --- dlq ---

func newDLQCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "dlq", Short: "List and resolve dead-lettered actions"}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List DLQ entries (pending by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Entries []persistence.DLQEntry `json:"entries"`
				Total   int                    `json:"total"`
			}
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/dlq", q, nil, &out); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			t := newTable("ID", "ACTION", "TASK", "FAILURES", "PARKED", "STATUS").styleColumn(5, stateStyle)
			for _, e := range out.Entries {
				last := ""
				if n := len(e.Failures); n > 0 {
					last = ": " + truncate(e.Failures[n-1].Error, 40)
				}
				t.add(e.ID, e.Request.Qualified(), e.TaskID, strconv.Itoa(len(e.Failures))+last, fmtTime(e.ParkedAt), string(e.Resolution))
			}
			t.render(cmd.OutOrStdout())
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING, RETRIED, DISCARDED or ALL")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one DLQ entry with its failure history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var e persistence.DLQEntry
			if err := c.do(cmd.Context(), http.MethodGet, "/api/dlq/"+url.PathEscape(args[0]), nil, nil, &e); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <id> <retry|discard>",
		Short: "Retry or discard a pending DLQ entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := dlq.ParseDecision(args[1])
			if err != nil {
				return usageError{err}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res dlq.ResolveResult
			body := map[string]string{"decision": string(decision), "actor": c.actor}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/dlq/"+url.PathEscape(args[0])+"/resolve", nil, body, &res); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], stateStyle(string(res.Entry.Resolution)).Render(string(res.Entry.Resolution)))
			if res.RetryTaskID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "retry task %s (idempotency key %s)\n", res.RetryTaskID, res.RetryKey)
			}
			return nil
		},
	}
	cmd.AddCommand(list, show, resolve)
	return cmd
}

// --- breaker ---

func newBreakerCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "breaker", Short: "Inspect and reset circuit breakers"}
	render := func(cmd *cobra.Command, snaps []breaker.Snapshot) error {
		if opts.json {
			return printJSON(cmd.OutOrStdout(), snaps)
		}
		t := newTable("NAME", "STATE", "FAILURES", "LAST FAILURE", "OPENED").styleColumn(1, stateStyle)
		for _, s := range snaps {
			t.add(s.Name, string(s.State), strconv.Itoa(s.Failures), fmtTime(s.LastFailure), fmtTime(s.OpenedAt))
		}
		t.render(cmd.OutOrStdout())
		return nil
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show every breaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Breakers []breaker.Snapshot `json:"breakers"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/breaker", nil, nil, &out); err != nil {
				return err
			}
			return render(cmd, out.Breakers)
		},
	}
	reset := &cobra.Command{
		Use:   "reset [name]",
		Short: "End a breaker's cooldown so the next call is a trial",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]string{"actor": c.actor}
			if len(args) == 1 {
				body["name"] = args[0]
			}
			var out struct {
				Breakers []breaker.Snapshot `json:"breakers"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/breaker/reset", nil, body, &out); err != nil {
				return err
			}
			return render(cmd, out.Breakers)
		},
	}
	cmd.AddCommand(status, reset)
	return cmd
}

// --- tasks ---

// parseActionFlag reads "tool.operation" or "tool.operation={json params}".
func parseActionFlag(raw string) (reasoning.ProposedAction, error) {
	name, params, hasParams := strings.Cut(raw, "=")
	tool, op, ok := strings.Cut(strings.TrimSpace(name), ".")
	if !ok || tool == "" || op == "" {
		return reasoning.ProposedAction{}, fmt.Errorf("action %q must look like tool.operation", raw)
	}
	pa := reasoning.ProposedAction{Tool: tool, Operation: op}
	if hasParams {
		if err := json.Unmarshal([]byte(params), &pa.Params); err != nil {
			return pa, fmt.Errorf("action %s params: %w", name, err)
		}
	}
	return pa, nil
}

func renderStatus(cmd *cobra.Command, opts *globalOptions, st task.Status) error {
	if opts.json {
		return printJSON(cmd.OutOrStdout(), st)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("task"), st.TaskID)
	fmt.Fprintf(w, "  state    %s\n", stateStyle(string(st.State)).Render(string(st.State)))
	fmt.Fprintf(w, "  session  %s\n", st.SessionID)
	fmt.Fprintf(w, "  since    %s\n", fmtTime(st.Since))
	if st.Description != "" {
		fmt.Fprintf(w, "  input    %s\n", truncate(st.Description, 80))
	}
	if st.Queued {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render("queued behind other tasks in this session"))
	}
	if st.CancelRequested {
		fmt.Fprintf(w, "  %s\n", warnStyle.Render("cancel requested"))
	}
	if st.Response != "" {
		fmt.Fprintf(w, "  response %s\n", st.Response)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "  error    %s\n", badStyle.Render(st.Error))
	}
	return nil
}

func getTask(ctx context.Context, c *apiClient, id, wait string) (task.Status, error) {
	var st task.Status
	q := url.Values{}
	if wait != "" {
		q.Set("wait", wait)
	}
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), q, nil, &st)
	return st, err
}

func newTaskCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Submit, inspect and cancel tasks"}

	var (
		session string
		actions []string
		wait    string
	)
	submit := &cobra.Command{
		Use:   "submit [text...]",
		Short: "Submit a task as free text, explicit actions, or both",
		Example: `  warden task submit "what time is it"
  warden task submit --action 'notes.append={"text":"hello"}' --wait 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := submitBody{SessionID: session, Text: strings.Join(args, " ")}
			for _, raw := range actions {
				pa, err := parseActionFlag(raw)
				if err != nil {
					return usageError{err}
				}
				in.Actions = append(in.Actions, pa)
			}
			if strings.TrimSpace(in.Text) == "" && len(in.Actions) == 0 {
				return usageError{fmt.Errorf("give task text or at least one --action")}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				TaskID string `json:"task_id"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tasks", nil, in, &out); err != nil {
				return err
			}
			if wait == "" {
				if opts.json {
					return printJSON(cmd.OutOrStdout(), out)
				}
				fmt.Fprintln(cmd.OutOrStdout(), out.TaskID)
				return nil
			}
			st, err := getTask(cmd.Context(), c, out.TaskID, wait)
			if err != nil {
				return err
			}
			return renderStatus(cmd, opts, st)
		},
	}
	submit.Flags().StringVar(&session, "session", "", "session id; tasks in one session run in order")
	submit.Flags().StringArrayVar(&actions, "action", nil, "explicit action tool.operation[={json params}] (repeatable)")
	submit.Flags().StringVar(&wait, "wait", "", "wait up to this long for the task to finish, e.g. 30s")

	var getWait string
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := getTask(cmd.Context(), c, args[0], getWait)
			if err != nil {
				return err
			}
			return renderStatus(cmd, opts, st)
		},
	}
	get.Flags().StringVar(&getWait, "wait", "", "wait up to this long for the task to finish")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation; the task stops at its next checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				CancelRequested bool `json:"cancel_requested"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, nil, &out); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			if out.CancelRequested {
				fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "task already finished")
			}
			return nil
		},
	}
	cmd.AddCommand(submit, get, cancel)
	return cmd
}

type submitBody struct {
	SessionID string                     `json:"session_id,omitempty"`
	Text      string                     `json:"text"`
	Actions   []reasoning.ProposedAction `json:"actions,omitempty"`
}

// --- approvals ---

func newApprovalCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "List and answer approval requests"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Approvals []approval.Record `json:"approvals"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/approvals", nil, nil, &out); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out.Approvals)
			}
			t := newTable("ID", "ACTION", "RISK", "TASK", "DEADLINE", "SUMMARY").styleColumn(2, stateStyle)
			for _, r := range out.Approvals {
				t.add(r.ID, r.Ticket.ToolName+"."+r.Ticket.Operation, r.Ticket.Risk, r.Ticket.TaskID, fmtTime(r.Deadline), truncate(r.Ticket.Summary, 50))
			}
			t.render(cmd.OutOrStdout())
			return nil
		},
	}
	respond := &cobra.Command{
		Use:   "respond <id> <approve|deny>",
		Short: "Approve or deny a pending request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var approve bool
			switch strings.ToLower(args[1]) {
			case "approve", "yes", "y":
				approve = true
			case "deny", "no", "n":
			default:
				return usageError{fmt.Errorf("decision must be approve or deny, got %q", args[1])}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			body := map[string]any{"approve": approve, "actor": c.actor}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/approvals/"+url.PathEscape(args[0]), nil, body, &out); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out.ID, stateStyle(out.Status).Render(out.Status))
			return nil
		},
	}
	cmd.AddCommand(list, respond)
	return cmd
}

// --- outbox ---

func newOutboxCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and confirm in-doubt dispatches"}
	renderRecords := func(cmd *cobra.Command, recs []persistence.IdempotencyRecord) {
		t := newTable("KEY", "ACTION", "TASK", "STATUS", "ATTEMPTS", "UPDATED").styleColumn(3, stateStyle)
		for _, r := range recs {
			t.add(r.Key, r.ToolName+"."+r.Operation, r.TaskID, string(r.Status), strconv.Itoa(r.Attempts), fmtTime(r.UpdatedAt))
		}
		t.render(cmd.OutOrStdout())
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dispatches with no recorded outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Records []persistence.IdempotencyRecord `json:"records"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/outbox", nil, nil, &out); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out.Records)
			}
			renderRecords(cmd, out.Records)
			return nil
		},
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Show the ledger record for an idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var rec persistence.IdempotencyRecord
			if err := c.do(cmd.Context(), http.MethodGet, "/api/outbox/"+url.PathEscape(args[0]), nil, nil, &rec); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			renderRecords(cmd, []persistence.IdempotencyRecord{rec})
			return nil
		},
	}
	confirm := &cobra.Command{
		Use:   "confirm <key> <sent|not-sent>",
		Short: "Record the verified outcome of an in-doubt dispatch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sent bool
			switch strings.ToLower(args[1]) {
			case "sent":
				sent = true
			case "not-sent", "not_sent", "failed":
			default:
				return usageError{fmt.Errorf("outcome must be sent or not-sent, got %q", args[1])}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var rec persistence.IdempotencyRecord
			body := map[string]any{"sent": sent, "actor": c.actor}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/outbox/"+url.PathEscape(args[0])+"/confirm", nil, body, &rec); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), rec)
			}
			renderRecords(cmd, []persistence.IdempotencyRecord{rec})
			return nil
		},
	}
	cmd.AddCommand(list, get, confirm)
	return cmd
}
