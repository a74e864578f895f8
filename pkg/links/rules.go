package links

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultFields are projected for every expanded link unless a link type
// declares its own field list.
var DefaultFields = []string{
	"analytics_identifier",
	"api_path",
	"api_url",
	"base_path",
	"content_id",
	"description",
	"document_type",
	"locale",
	"public_updated_at",
	"schema_name",
	"title",
	"web_url",
}

// Rules decides how each link type is expanded.
type Rules struct {
	fields    map[string][]string
	recursive mapset.Set[string]
	reverse   map[string]string
}

// DefaultRules returns the rules used in production: only parent recurses,
// and parent, documents and working_groups are shown in reverse on their
// targets.
func DefaultRules() *Rules {
	return &Rules{
		fields:    map[string][]string{},
		recursive: mapset.NewSet("parent"),
		reverse: map[string]string{
			"parent":         "children",
			"documents":      "document_collections",
			"working_groups": "policies",
		},
	}
}

// WithFields overrides the projected fields of one link type.
func (r *Rules) WithFields(linkType string, fields ...string) *Rules {
	r.fields[linkType] = fields
	return r
}

// Fields returns the fields projected for targets of linkType.
func (r *Rules) Fields(linkType string) []string {
	if f, ok := r.fields[linkType]; ok {
		return f
	}
	return DefaultFields
}

// Recurse reports whether targets of linkType are expanded further.
func (r *Rules) Recurse(linkType string) bool {
	return r.recursive.Contains(linkType)
}

// ReverseName returns the key under which dependents of linkType appear on
// the target's expansion.
func (r *Rules) ReverseName(linkType string) (string, bool) {
	name, ok := r.reverse[linkType]
	return name, ok
}

// AffectsExpansion reports whether a change to any of the given fields can
// alter another item's expanded links. A nil slice means "unknown" and is
// treated as affecting.
func (r *Rules) AffectsExpansion(changed []string) bool {
	if changed == nil {
		return true
	}
	projected := mapset.NewSet(DefaultFields...)
	for _, f := range r.fields {
		projected.Append(f...)
	}
	// Derived fields follow base_path.
	projected.Add("routes")
	for _, c := range changed {
		if projected.Contains(c) {
			return true
		}
	}
	return false
}
