package quota

import (
	"strconv"
	"strings"
)

// Evaluate returns the quota on file for sub and the quota its bundles entitle
// it to. The intended quota is the largest quota among held bundles present in
// table, or 0 when none match. An absent on-file quota counts as 0.
//
// A nil or empty table yields ErrEmptyBundleTable regardless of sub.
func Evaluate(sub Subscriber, table BundleTable) (Evaluation, error) {
	if len(table) == 0 {
		return Evaluation{}, ErrEmptyBundleTable
	}

	onFile := 0
	if raw := strings.TrimSpace(sub.OnFileQuota); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Evaluation{}, &InvalidRecordError{SubscriberID: sub.ID, Field: "quota", Value: sub.OnFileQuota, Err: err}
		}
		onFile = v
	}

	intended := 0
	for _, raw := range sub.BundleIDs {
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Evaluation{}, &InvalidRecordError{SubscriberID: sub.ID, Field: "bundle id", Value: raw, Err: err}
		}
		if minutes, ok := table[id]; ok && minutes > intended {
			intended = minutes
		}
	}

	return Evaluation{SubscriberID: sub.ID, OnFile: onFile, Intended: intended}, nil
}
