// Package jira raises escalation tickets in Jira when a reconciliation run
// finds too many mismatches to fix unattended.
package jira

// Config describes the ticket raised on escalation.
type Config struct {
	Project       string
	IssueType     string
	SummaryPrefix string
	Labels        []string
	// Assignee is the login name the ticket is assigned to. Empty skips
	// assignment.
	Assignee  string
	BrowseURL string
	// ExtraFields maps a field name to its raw JSON value, merged into the
	// create payload (e.g. customfield_11114: [{"key":"QLV-59"}]).
	ExtraFields map[string]string
}
