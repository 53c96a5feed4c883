package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Description is the body of every escalation ticket.
const Description = `KROKET QUOTA ALERT.
This is an automatically generated ticket.

The quota job checks active customers for wrong NPVR provisioning and reprovisions customers with a mismatch. This ticket has been created because the number of customers that need to be reprovisioned is above the configured cutoff.

Please check the job logs. If you believe there is a problem, please look into it. Otherwise, all listed customers can be reprovisioned by running the job with the '--manual' argument.`

// Notifier raises one escalation ticket per aborted run.
type Notifier struct {
	client *Client
	cfg    Config
	extra  map[string]json.RawMessage
	log    *slog.Logger
}

// NewNotifier validates cfg and returns a Notifier that raises tickets
// through client.
func NewNotifier(client *Client, cfg Config, log *slog.Logger) (*Notifier, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("jira project not configured")
	}
	if cfg.IssueType == "" {
		return nil, fmt.Errorf("jira issue type not configured")
	}
	extra := make(map[string]json.RawMessage, len(cfg.ExtraFields))
	for name, raw := range cfg.ExtraFields {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("jira extra field %s: invalid JSON %q", name, raw)
		}
		extra[name] = json.RawMessage(raw)
	}
	if log == nil {
		log = slog.Default()
	}
	labels, err := normalizeLabels(cfg.Labels)
	if err != nil {
		return nil, err
	}
	cfg.Labels = labels
	return &Notifier{client: client, cfg: cfg, extra: extra, log: log}, nil
}

// Summary returns the ticket title for count mismatches.
func (n *Notifier) Summary(count int) string {
	return fmt.Sprintf("%s: %d NPVR mismatches", n.cfg.SummaryPrefix, count)
}

func (n *Notifier) fields(count int) map[string]interface{} {
	fields := make(map[string]interface{}, len(n.extra)+5)
	for name, raw := range n.extra {
		fields[name] = raw
	}

	fields["project"] = map[string]string{"key": n.cfg.Project}
	fields["summary"] = n.Summary(count)
	fields["description"] = Description
	fields["labels"] = n.cfg.Labels
	fields["issuetype"] = map[string]string{"name": n.cfg.IssueType}
	return fields
}

// Raise creates the escalation ticket for count mismatches and assigns it.
// The issue key is returned even when assignment fails.
func (n *Notifier) Raise(ctx context.Context, count int) (string, error) {
	n.log.Info("creating jira ticket", "project", n.cfg.Project, "mismatches", count)

	issue, err := n.client.CreateIssue(ctx, n.fields(count))
	if err != nil {
		return "", err
	}
	n.log.Info("jira ticket created", "key", issue.Key,
		"url", BrowseURL(n.cfg.BrowseURL, n.client.URL, issue.Key))

	if n.cfg.Assignee == "" {
		return issue.Key, nil
	}
	if err := n.client.AssignIssue(ctx, issue, n.cfg.Assignee); err != nil {
		return issue.Key, err
	}
	n.log.Info("jira ticket assigned", "key", issue.Key, "assignee", n.cfg.Assignee)
	return issue.Key, nil
}

// normalizeLabels trims and deduplicates labels in order. Jira rejects labels
// containing whitespace.
func normalizeLabels(labels []string) ([]string, error) {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		if strings.ContainsAny(l, " \t\n") {
			return nil, fmt.Errorf("jira label %q contains whitespace", l)
		}
		seen[l] = true
		out = append(out, l)
	}
	return out, nil
}
