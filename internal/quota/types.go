// Package quota computes a subscriber's intended recording quota from the
// product bundles it holds and detects subscribers whose on-file quota drifted.
package quota

import (
	"errors"
	"fmt"
)

// MinutesPerHour converts bundle quotas, stored in hours at the source, to the
// minutes the provisioning service works in.
const MinutesPerHour = 60

// ErrEmptyBundleTable is returned when evaluation is attempted without any
// bundle entitlements loaded. Every subscriber would look mismatched, so the
// whole run must stop.
var ErrEmptyBundleTable = errors.New("bundle entitlement table is empty or missing")

// Subscriber is one customer record from the snapshot, as read.
//
// OnFileQuota keeps the raw text of the quota element; an empty string means
// the element was absent. BundleIDs keeps the raw product identifiers in
// document order, duplicates included.
type Subscriber struct {
	ID          string
	OnFileQuota string
	BundleIDs   []string
}

// BundleTable maps a product bundle ID to the quota it grants, in minutes.
type BundleTable map[int]int

// BundleTableFromHours builds a BundleTable from hour-denominated rows.
func BundleTableFromHours(hours map[int]int) BundleTable {
	t := make(BundleTable, len(hours))
	for id, h := range hours {
		t[id] = h * MinutesPerHour
	}
	return t
}

// Evaluation is the result of evaluating one subscriber.
type Evaluation struct {
	SubscriberID string
	OnFile       int
	Intended     int
}

// Mismatched reports whether the on-file quota disagrees with the intended one.
func (e Evaluation) Mismatched() bool {
	return e.OnFile != e.Intended
}

// InvalidRecordError reports a subscriber record whose fields could not be read.
type InvalidRecordError struct {
	SubscriberID string
	Field        string
	Value        string
	Err          error
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("subscriber %s: invalid %s %q: %v", e.SubscriberID, e.Field, e.Value, e.Err)
}

func (e *InvalidRecordError) Unwrap() error {
	return e.Err
}
