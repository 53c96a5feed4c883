// Package snapshot locates and parses the customer export files the
// reconciliation job runs against.
//
// A snapshot is an XML document with one Customer element per subscriber:
//
//	<Customer id="171669">
//	  <NPVRQuota>120000</NPVRQuota>
//	  <SubscriptionProducts>
//	    <SubscriptionProduct id="957" />
//	  </SubscriptionProducts>
//	</Customer>
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/divitel/kroket-quota/internal/quota"
)

// DefaultPattern matches the export files in the snapshot directory.
const DefaultPattern = "*.xml"

// ErrNoSnapshot is returned when the snapshot directory holds no matching file.
var ErrNoSnapshot = errors.New("no snapshot file found")

// Latest returns the most recently created file in dir matching pattern.
func Latest(dir, pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}

	var (
		newest     string
		newestTime time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", m, err)
		}
		if info.IsDir() {
			continue
		}
		ct := changeTime(m, info)
		if newest == "" || ct.After(newestTime) {
			newest, newestTime = m, ct
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w in %s matching %s", ErrNoSnapshot, dir, pattern)
	}
	return newest, nil
}

// Load parses the snapshot file at path.
func Load(path string) ([]quota.Subscriber, error) {
	// #nosec G304 -- path is discovered inside the configured snapshot directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	subs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return subs, nil
}

// LoadLatest finds the newest snapshot in dir and parses it.
func LoadLatest(dir, pattern string) (string, []quota.Subscriber, error) {
	path, err := Latest(dir, pattern)
	if err != nil {
		return "", nil, err
	}
	subs, err := Load(path)
	if err != nil {
		return path, nil, err
	}
	return path, subs, nil
}

// Parse reads every Customer element from r in document order.
func Parse(r io.Reader) ([]quota.Subscriber, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, err
	}

	customers := doc.FindElements("//Customer")
	subs := make([]quota.Subscriber, 0, len(customers))
	for i, c := range customers {
		id := strings.TrimSpace(c.SelectAttrValue("id", ""))
		if id == "" {
			return nil, fmt.Errorf("customer element %d has no id attribute", i+1)
		}

		sub := quota.Subscriber{ID: id}
		if q := c.FindElement(".//NPVRQuota"); q != nil {
			sub.OnFileQuota = strings.TrimSpace(q.Text())
		}
		for _, p := range c.FindElements(".//SubscriptionProduct") {
			sub.BundleIDs = append(sub.BundleIDs, p.SelectAttrValue("id", ""))
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
