package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/audit"
)

type auditFlags struct {
	category string
	severity string
	taskID   string
	since    string
	until    string
	limit    int
}

func (f auditFlags) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			q.Set(k, v)
		}
	}
	set("category", f.category)
	set("severity", f.severity)
	set("task_id", f.taskID)
	set("since", f.since)
	set("until", f.until)
	if f.limit > 0 {
		q.Set("limit", strconv.Itoa(f.limit))
	}
	return q
}

func auditLine(ev audit.Event) string {
	outcome := ev.Outcome
	if outcome == "" {
		outcome = "-"
	}
	task := ev.TaskID
	if task == "" {
		task = "-"
	}
	return fmt.Sprintf("%s  %s  %-9s %-28s %-14s task=%s",
		dimStyle.Render(fmtTime(ev.Timestamp)),
		stateStyle(string(ev.Severity)).Render(fmt.Sprintf("%-8s", ev.Severity)),
		ev.Category,
		ev.Action,
		outcome,
		task,
	)
}

func newAuditCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query and follow the audit trail"}

	var qf auditFlags
	query := &cobra.Command{
		Use:   "query",
		Short: "Search recorded audit events, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var out struct {
				Events []audit.Event `json:"events"`
				Total  int           `json:"total"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/audit", qf.query(), nil, &out); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			for _, ev := range out.Events {
				fmt.Fprintln(cmd.OutOrStdout(), auditLine(ev))
			}
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("%d event(s)", out.Total)))
			return nil
		},
	}
	fl := query.Flags()
	fl.StringVar(&qf.category, "category", "", "policy, outbox, dlq, task, breaker, approval, watchdog or system")
	fl.StringVar(&qf.severity, "severity", "", "minimum severity: debug, info, warning, error, critical")
	fl.StringVar(&qf.taskID, "task", "", "only events for this task id")
	fl.StringVar(&qf.since, "since", "", "RFC 3339 time or a duration ago, e.g. 1h")
	fl.StringVar(&qf.until, "until", "", "RFC 3339 time or a duration ago")
	fl.IntVar(&qf.limit, "limit", 0, "maximum events (server caps at 1000)")

	var ff auditFlags
	follow := &cobra.Command{
		Use:   "follow",
		Short: "Stream audit events as they are recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws/audit"
			if q := ff.query(); len(q) > 0 {
				wsURL += "?" + q.Encode()
			}
			conn, _, err := websocket.Dial(cmd.Context(), wsURL, &websocket.DialOptions{
				HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
			})
			if err != nil {
				return fmt.Errorf("connect audit stream: %w", err)
			}
			defer conn.CloseNow()
			return followAudit(cmd, opts, conn)
		},
	}
	ffl := follow.Flags()
	ffl.StringVar(&ff.category, "category", "", "only this category")
	ffl.StringVar(&ff.severity, "severity", "", "minimum severity")
	ffl.StringVar(&ff.taskID, "task", "", "only events for this task id")

	cmd.AddCommand(query, follow)
	return cmd
}

func followAudit(cmd *cobra.Command, opts *globalOptions, conn *websocket.Conn) error {
	out := cmd.OutOrStdout()
	for {
		var ev audit.Event
		if err := wsjson.Read(cmd.Context(), conn, &ev); err != nil {
			if cmd.Context().Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if opts.json {
			if err := printJSON(out, ev); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, auditLine(ev))
	}
}
