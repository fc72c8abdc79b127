// Copyright ©️ CouchKV contributors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package document implements the CouchDB document model: a dynamic JSON
// body plus the underscore-prefixed metadata surfaces that are stripped on
// ingress and re-synthesized on egress rather than stored alongside the
// body.
package document

import (
	"github.com/couchkv/couchkv/modules/revision"
)

// Body is an arbitrary JSON object, decoded the way every dynamic payload
// in this module is decoded: as a plain map, not a generated struct, so a
// document can carry whatever fields a client wrote.
type Body map[string]any

// Metadata holds the underscore-prefixed fields lifted out of a Body on
// ingress. Id and Rev are always meaningful; the rest are populated only
// when the caller asked for them (conflicts, revs, open_revs) or when the
// write path carries replication ancestry (_revisions).
type Metadata struct {
	ID          string
	Rev         revision.Rev
	Deleted     bool
	Revisions   *Revisions
	Conflicts   []string
	Attachments map[string]any
}

// Revisions is the `_revisions` ancestry object CouchDB attaches to a
// document when revs=true or during replication: start is the pos of the
// first id in Ids, and Ids runs from the leaf backward to the root.
type Revisions struct {
	Start int
	IDs   []string
}

// underscoreFields lists every metadata surface stripped from a Body on
// ingress. Any other leading-underscore key is left in the stored body
// untouched — it is not part of this model's reserved surface.
var underscoreFields = []string{"_id", "_rev", "_deleted", "_attachments", "_revisions", "_conflicts"}

// Split separates a wire-form Body into its stored data and its metadata
// surface. The returned Body is a shallow copy with the reserved keys
// removed; the input is never mutated.
func Split(in Body) (data Body, meta Metadata, err error) {
	data = make(Body, len(in))
	for k, v := range in {
		data[k] = v
	}
	if idv, ok := data["_id"]; ok {
		if id, ok := idv.(string); ok {
			meta.ID = id
		}
		delete(data, "_id")
	}
	if revv, ok := data["_rev"]; ok {
		if revs, ok := revv.(string); ok && revs != "" {
			r, perr := revision.Parse(revs)
			if perr != nil {
				return nil, Metadata{}, perr
			}
			meta.Rev = r
		}
		delete(data, "_rev")
	}
	if delv, ok := data["_deleted"]; ok {
		if del, ok := delv.(bool); ok {
			meta.Deleted = del
		}
		delete(data, "_deleted")
	}
	if attv, ok := data["_attachments"]; ok {
		if att, ok := attv.(map[string]any); ok {
			meta.Attachments = att
		}
		delete(data, "_attachments")
	}
	if revsv, ok := data["_revisions"]; ok {
		if r, ok := parseRevisions(revsv); ok {
			meta.Revisions = r
		}
		delete(data, "_revisions")
	}
	if confv, ok := data["_conflicts"]; ok {
		if conf, ok := confv.([]any); ok {
			for _, c := range conf {
				if s, ok := c.(string); ok {
					meta.Conflicts = append(meta.Conflicts, s)
				}
			}
		}
		delete(data, "_conflicts")
	}
	return data, meta, nil
}

func parseRevisions(v any) (*Revisions, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	r := &Revisions{}
	if sv, ok := m["start"]; ok {
		switch n := sv.(type) {
		case float64:
			r.Start = int(n)
		case int:
			r.Start = n
		}
	}
	if idsv, ok := m["ids"]; ok {
		if ids, ok := idsv.([]any); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					r.IDs = append(r.IDs, s)
				}
			}
		}
	}
	return r, true
}

// Merge re-synthesizes a wire-form Body from stored data plus the metadata
// CouchDB attaches on a `get`: _id and _rev always; _deleted only when
// true; _conflicts, _revisions, _attachments only when requested and
// non-empty. The returned Body is a fresh copy — data is not mutated.
func Merge(data Body, meta Metadata) Body {
	out := make(Body, len(data)+6)
	for k, v := range data {
		out[k] = v
	}
	out["_id"] = meta.ID
	if !meta.Rev.IsZero() {
		out["_rev"] = meta.Rev.String()
	}
	if meta.Deleted {
		out["_deleted"] = true
	}
	if meta.Revisions != nil && len(meta.Revisions.IDs) > 0 {
		ids := make([]any, len(meta.Revisions.IDs))
		for i, id := range meta.Revisions.IDs {
			ids[i] = id
		}
		out["_revisions"] = map[string]any{
			"start": meta.Revisions.Start,
			"ids":   ids,
		}
	}
	if len(meta.Conflicts) > 0 {
		conf := make([]any, len(meta.Conflicts))
		for i, c := range meta.Conflicts {
			conf[i] = c
		}
		out["_conflicts"] = conf
	}
	if len(meta.Attachments) > 0 {
		out["_attachments"] = meta.Attachments
	}
	return out
}
