package links

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kubeflow/publishing-api/pkg/content"
)

// TranslationsKey is the top-level key listing the root's other locales.
const TranslationsKey = "available_translations"

// Graph is the link lookup the Expander walks.
type Graph interface {
	Dependees(ctx context.Context, contentID string) ([]LinkRecord, error)
	Dependents(ctx context.Context, contentID string) ([]Dependent, error)
}

// Resolver turns a content ID into a concrete edition.
type Resolver interface {
	Resolve(ctx context.Context, contentID string, states []content.State, locales []string) (*content.ContentItemRecord, error)
	AvailableTranslations(ctx context.Context, contentID string, states []content.State) ([]content.ContentItemRecord, error)
}

// Options are the state and locale fallback orders used to resolve targets.
type Options struct {
	States  []content.State
	Locales []string
}

// OptionsFor returns the fallback orders for expanding into a store: the live
// store only sees published editions, the draft store prefers drafts.
// Locales fall back to the default locale.
func OptionsFor(store content.Store, locale string) Options {
	locales := []string{locale}
	if locale != content.DefaultLocale {
		locales = append(locales, content.DefaultLocale)
	}
	if store == content.LiveStore {
		return Options{States: []content.State{content.StatePublished}, Locales: locales}
	}
	return Options{States: []content.State{content.StateDraft, content.StatePublished}, Locales: locales}
}

// ExpandedLink is one resolved link target with its own nested links.
// Passthrough targets carry only the opaque hash.
type ExpandedLink struct {
	Fields      map[string]any
	Links       map[string][]ExpandedLink
	Passthrough map[string]any
}

// ContentID returns the content_id field, or "" for passthrough links.
func (l ExpandedLink) ContentID() string {
	id, _ := l.Fields["content_id"].(string)
	return id
}

// MarshalJSON flattens the projected fields and adds a "links" key.
func (l ExpandedLink) MarshalJSON() ([]byte, error) {
	if l.Passthrough != nil {
		return json.Marshal(l.Passthrough)
	}
	out := make(map[string]any, len(l.Fields)+1)
	for k, v := range l.Fields {
		out[k] = v
	}
	links := l.Links
	if links == nil {
		links = map[string][]ExpandedLink{}
	}
	out["links"] = links
	return json.Marshal(out)
}

// Expander builds expanded link trees.
type Expander struct {
	graph       Graph
	items       Resolver
	rules       *Rules
	websiteRoot string
}

// NewExpander creates an Expander. websiteRoot prefixes derived URLs.
func NewExpander(graph Graph, items Resolver, rules *Rules, websiteRoot string) *Expander {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Expander{graph: graph, items: items, rules: rules, websiteRoot: strings.TrimRight(websiteRoot, "/")}
}

// walk is one step of an expansion. visited holds every content ID on the
// path from the root to contentID, inclusive, and is never shared between
// steps.
type walk struct {
	contentID string
	visited   mapset.Set[string]
	recursing string
}

func (w walk) topLevel() bool { return w.recursing == "" }

func (w walk) step(next, linkType string) walk {
	visited := w.visited.Clone()
	visited.Add(next)
	return walk{contentID: next, visited: visited, recursing: linkType}
}

// Expand returns the expanded links of contentID keyed by link type.
func (e *Expander) Expand(ctx context.Context, contentID string, opts Options) (map[string][]ExpandedLink, error) {
	root := walk{contentID: contentID, visited: mapset.NewThreadUnsafeSet(contentID)}
	return e.expand(ctx, root, opts)
}

func (e *Expander) expand(ctx context.Context, w walk, opts Options) (map[string][]ExpandedLink, error) {
	out := map[string][]ExpandedLink{}

	dependees, err := e.graph.Dependees(ctx, w.contentID)
	if err != nil {
		return nil, err
	}
	for _, group := range groupByType(dependees) {
		if !w.topLevel() && group.linkType != w.recursing {
			continue
		}
		var expanded []ExpandedLink
		for _, l := range group.links {
			if l.TargetContentID == nil {
				expanded = append(expanded, ExpandedLink{Passthrough: map[string]any(l.Passthrough)})
				continue
			}
			link, err := e.expandTarget(ctx, w, *l.TargetContentID, group.linkType, opts)
			if err != nil {
				return nil, err
			}
			if link != nil {
				expanded = append(expanded, *link)
			}
		}
		if len(expanded) > 0 {
			out[group.linkType] = expanded
		}
	}

	if !w.topLevel() {
		return out, nil
	}

	dependents, err := e.graph.Dependents(ctx, w.contentID)
	if err != nil {
		return nil, err
	}
	for _, d := range dependents {
		name, ok := e.rules.ReverseName(d.LinkType)
		if !ok {
			continue
		}
		link, err := e.expandTarget(ctx, w, d.SourceContentID, d.LinkType, opts)
		if err != nil {
			return nil, err
		}
		if link != nil {
			out[name] = append(out[name], *link)
		}
	}

	translations, err := e.items.AvailableTranslations(ctx, w.contentID, opts.States)
	if err != nil {
		return nil, err
	}
	for i := range translations {
		out[TranslationsKey] = append(out[TranslationsKey], ExpandedLink{
			Fields: e.Project(&translations[i], DefaultFields),
			Links:  map[string][]ExpandedLink{},
		})
	}
	return out, nil
}

// expandTarget resolves one target. Unresolvable targets yield nil. Targets
// already on the current path are projected but not expanded further.
func (e *Expander) expandTarget(ctx context.Context, w walk, targetID, linkType string, opts Options) (*ExpandedLink, error) {
	item, err := e.items.Resolve(ctx, targetID, opts.States, opts.Locales)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	link := &ExpandedLink{
		Fields: e.Project(item, e.rules.Fields(linkType)),
		Links:  map[string][]ExpandedLink{},
	}
	if e.rules.Recurse(linkType) && !w.visited.Contains(targetID) {
		next, err := e.expand(ctx, w.step(targetID, linkType), opts)
		if err != nil {
			return nil, err
		}
		link.Links = next
	}
	return link, nil
}

// Project returns the requested fields of an edition, including the derived
// api_path, api_url and web_url.
func (e *Expander) Project(item *content.ContentItemRecord, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f] = e.field(item, f)
	}
	return out
}

func (e *Expander) field(item *content.ContentItemRecord, name string) any {
	switch name {
	case "analytics_identifier":
		return nullable(item.AnalyticsIdentifier)
	case "api_path":
		if item.Pathless() {
			return nil
		}
		return "/api/content" + item.Path()
	case "api_url":
		if item.Pathless() {
			return nil
		}
		return e.websiteRoot + "/api/content" + item.Path()
	case "base_path":
		if item.Pathless() {
			return nil
		}
		return item.Path()
	case "content_id":
		return item.ContentID
	case "description":
		return nullable(item.Description)
	case "document_type":
		return item.DocumentType
	case "locale":
		return item.Locale
	case "public_updated_at":
		if item.PublicUpdatedAt == nil {
			return nil
		}
		return item.PublicUpdatedAt.UTC().Format(time.RFC3339)
	case "schema_name":
		return item.SchemaName
	case "title":
		return item.Title
	case "web_url":
		if item.Pathless() {
			return nil
		}
		return e.websiteRoot + item.Path()
	case "phase":
		return item.Phase
	case "rendering_app":
		return nullable(item.RenderingApp)
	default:
		if v, ok := item.Details[name]; ok {
			return v
		}
		return nil
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type linkGroup struct {
	linkType string
	links    []LinkRecord
}

// groupByType groups links that are already ordered by type and position.
func groupByType(links []LinkRecord) []linkGroup {
	var groups []linkGroup
	for _, l := range links {
		if n := len(groups); n > 0 && groups[n-1].linkType == l.LinkType {
			groups[n-1].links = append(groups[n-1].links, l)
			continue
		}
		groups = append(groups, linkGroup{linkType: l.LinkType, links: []LinkRecord{l}})
	}
	return groups
}
