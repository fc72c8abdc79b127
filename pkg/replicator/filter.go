// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package replicator

import (
	"context"

	"github.com/couchkv/couchkv/pkg/docdb"
	"github.com/couchkv/couchkv/pkg/query"
)

// Filter decides whether a change is replicated. It runs after the change
// is fetched but before revs_diff. Returning false drops the change from
// the batch entirely.
type Filter func(ctx context.Context, change docdb.ChangeEntry) bool

// FilterByIDs keeps only changes whose document id is in ids.
func FilterByIDs(ids []string) Filter {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(_ context.Context, change docdb.ChangeEntry) bool {
		return set[change.ID]
	}
}

// FilterBySelector keeps only changes whose document matches a Mango
// selector. The caller must request IncludeDocs so Changes populates
// change.Doc; Run does this automatically whenever a Filter is set.
func FilterBySelector(selector query.Selector) Filter {
	return func(_ context.Context, change docdb.ChangeEntry) bool {
		if change.Doc == nil {
			return false
		}
		return query.Evaluate(change.Doc, selector)
	}
}
