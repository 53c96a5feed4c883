package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the validated configuration of one run.
type Settings struct {
	Cutoff int `yaml:"cutoff"`

	Snapshot struct {
		Dir     string `yaml:"dir"`
		Pattern string `yaml:"pattern"`
	} `yaml:"snapshot"`

	Worklist struct {
		Path string `yaml:"path"`
	} `yaml:"worklist"`

	Bundles struct {
		Host     string        `yaml:"host"`
		Port     int           `yaml:"port"`
		User     string        `yaml:"user"`
		Password string        `yaml:"password"`
		Database string        `yaml:"database"`
		Table    string        `yaml:"table"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"bundles"`

	Prodis struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"prodis"`

	Jira struct {
		URL           string            `yaml:"url"`
		Username      string            `yaml:"username"`
		APIToken      string            `yaml:"api_token"`
		Project       string            `yaml:"project"`
		IssueType     string            `yaml:"issue_type"`
		SummaryPrefix string            `yaml:"summary_prefix"`
		Labels        []string          `yaml:"labels"`
		Assignee      string            `yaml:"assignee"`
		BrowseURL     string            `yaml:"browse_url"`
		Timeout       time.Duration     `yaml:"timeout"`
		ExtraFields   map[string]string `yaml:"extra_fields,omitempty"`
	} `yaml:"jira"`

	Log struct {
		File   string `yaml:"file"`
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// Load reads the current viper state into Settings and validates it.
// Initialize must have been called first.
func Load() (*Settings, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: config not initialized", ErrInvalid)
	}

	s := &Settings{}
	s.Cutoff = GetInt("cutoff")

	s.Snapshot.Dir = GetString("snapshot.dir")
	s.Snapshot.Pattern = GetString("snapshot.pattern")

	s.Worklist.Path = GetString("worklist.path")

	s.Bundles.Host = GetString("bundles.host")
	s.Bundles.Port = GetInt("bundles.port")
	s.Bundles.User = GetString("bundles.user")
	s.Bundles.Password = GetString("bundles.password")
	s.Bundles.Database = GetString("bundles.database")
	s.Bundles.Table = GetString("bundles.table")
	s.Bundles.Timeout = GetDuration("bundles.timeout")

	s.Prodis.URL = GetString("prodis.url")
	s.Prodis.Timeout = GetDuration("prodis.timeout")

	s.Jira.URL = GetString("jira.url")
	s.Jira.Username = GetString("jira.username")
	s.Jira.APIToken = GetString("jira.api_token")
	s.Jira.Project = GetString("jira.project")
	s.Jira.IssueType = GetString("jira.issue_type")
	s.Jira.SummaryPrefix = GetString("jira.summary_prefix")
	s.Jira.Labels = GetStringSlice("jira.labels")
	s.Jira.Assignee = GetString("jira.assignee")
	s.Jira.BrowseURL = GetString("jira.browse_url")
	s.Jira.Timeout = GetDuration("jira.timeout")
	s.Jira.ExtraFields = GetStringMapString("jira.extra_fields")

	s.Log.File = GetString("log.file")
	s.Log.Level = GetString("log.level")
	s.Log.Format = GetString("log.format")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings a run cannot start without. Ticketing settings
// are checked lazily, when an escalation is actually raised.
func (s *Settings) Validate() error {
	var problems []string
	if s.Cutoff < 0 {
		problems = append(problems, fmt.Sprintf("cutoff: must not be negative (got %d)", s.Cutoff))
	}
	if s.Snapshot.Dir == "" {
		problems = append(problems, "snapshot.dir: required")
	}
	if s.Worklist.Path == "" {
		problems = append(problems, "worklist.path: required")
	}
	if s.Bundles.Host == "" {
		problems = append(problems, "bundles.host: required")
	}
	if s.Prodis.URL == "" {
		problems = append(problems, "prodis.url: required")
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format: %q is invalid (valid values: text, json)", s.Log.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, problems)
	}
	return nil
}

// Redacted returns a YAML rendering of s with secrets masked, for logging.
func (s *Settings) Redacted() string {
	c := *s
	if c.Bundles.Password != "" {
		c.Bundles.Password = "********"
	}
	if c.Jira.APIToken != "" {
		c.Jira.APIToken = "********"
	}
	out, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Sprintf("<unrenderable settings: %v>", err)
	}
	return string(out)
}
