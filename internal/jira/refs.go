package jira

import (
	"net/url"
	"strings"
)

// BrowseURL returns the web address of the issue with the given key. base is
// the configured browse prefix; when empty, "<jiraURL>/browse" is used.
func BrowseURL(base, jiraURL, key string) string {
	base = strings.TrimSuffix(base, "/")
	if base == "" {
		base = strings.TrimSuffix(jiraURL, "/") + "/browse"
	}
	return base + "/" + url.PathEscape(key)
}
