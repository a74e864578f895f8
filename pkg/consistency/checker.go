// Package consistency audits whether the router and the content stores agree
// with what the publishing store says about a document. It only reads.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/contentstore"
	"github.com/kubeflow/publishing-api/pkg/remote"
	"github.com/kubeflow/publishing-api/pkg/router"
)

// Handlers the router may serve a path with.
const (
	HandlerBackend  = "backend"
	HandlerRedirect = "redirect"
	HandlerGone     = "gone"
)

// Report lists the discrepancies found for one document. An empty Errors
// list means the document is consistent.
type Report struct {
	ContentID string   `json:"content_id"`
	Locale    string   `json:"locale"`
	Errors    []string `json:"errors"`
}

// Consistent reports whether no discrepancies were found.
func (r *Report) Consistent() bool { return len(r.Errors) == 0 }

// Checker compares a document against the router and the content stores.
type Checker struct {
	items       *content.ItemStore
	routes      router.Client
	stores      contentstore.Set
	logger      *slog.Logger
	concurrency int
}

// NewChecker creates a Checker.
func NewChecker(items *content.ItemStore, routes router.Client, stores contentstore.Set, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{items: items, routes: routes, stores: stores, logger: logger, concurrency: 8}
}

// ExpectedHandler derives the router handler for an edition from its own
// shape and, for unpublished editions, from how it was unpublished.
func ExpectedHandler(item *content.ContentItemRecord, unpublishing *content.UnpublishingRecord) string {
	if unpublishing != nil {
		switch unpublishing.Type {
		case content.UnpublishGone, content.UnpublishVanish:
			return HandlerGone
		case content.UnpublishRedirect:
			return HandlerRedirect
		}
	}
	switch {
	case item.SchemaName == "gone":
		return HandlerGone
	case item.SchemaName == "redirect" || len(item.Redirects) > 0:
		return HandlerRedirect
	case item.RenderingApp == "":
		return HandlerGone
	default:
		return HandlerBackend
	}
}

// Check audits the latest edition of a document. Failures to reach the
// router or a content store are reported as findings; only failures to read
// the publishing store are returned as errors.
func (c *Checker) Check(ctx context.Context, contentID, locale string) (*Report, error) {
	if locale == "" {
		locale = content.DefaultLocale
	}
	report := &Report{ContentID: contentID, Locale: locale, Errors: []string{}}

	item, err := c.items.FindLatest(ctx, contentID, locale)
	if err != nil {
		return nil, err
	}
	if item == nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("publishing-api: Content item with content_id %s and locale %s does not exist.", contentID, locale))
		c.observe(report)
		return report, nil
	}

	var unpublishing *content.UnpublishingRecord
	if item.State == content.StateUnpublished {
		if unpublishing, err = c.items.GetUnpublishing(ctx, item.ID); err != nil {
			return nil, err
		}
		if unpublishing != nil && unpublishing.Type == content.UnpublishSubstitute {
			c.logger.Info("skipping substituted content", "contentID", contentID, "basePath", item.Path())
			c.observe(report)
			return report, nil
		}
	}
	handler := ExpectedHandler(item, unpublishing)

	routeFindings, err := c.checkRouter(ctx, item, handler)
	if err != nil {
		return nil, err
	}
	report.Errors = append(report.Errors, routeFindings...)
	report.Errors = append(report.Errors, c.checkContentStores(ctx, item, unpublishing, handler)...)

	c.observe(report)
	return report, nil
}

// checkRouter checks every redirect and, unless the edition is a draft the
// router has never seen, every route. Lookups run concurrently but findings
// keep declaration order.
func (c *Checker) checkRouter(ctx context.Context, item *content.ContentItemRecord, handler string) ([]string, error) {
	type lookup struct {
		route    content.Route
		redirect bool
	}
	var lookups []lookup
	for _, r := range item.Redirects {
		lookups = append(lookups, lookup{route: r, redirect: true})
	}
	if item.State != content.StateDraft {
		for _, r := range item.Routes {
			lookups = append(lookups, lookup{route: r})
		}
	}

	results := make([][]string, len(lookups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, l := range lookups {
		g.Go(func() error {
			route, err := c.routes.GetRoute(gctx, l.route.Path)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i] = []string{routeLookupFailure(l.route.Path, err)}
				return nil
			}
			if l.redirect {
				results[i] = checkRedirect(l.route, route)
			} else {
				results[i] = checkRoute(l.route, route, item.RenderingApp, handler)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []string
	for _, r := range results {
		findings = append(findings, r...)
	}
	return findings, nil
}

func routeLookupFailure(path string, err error) string {
	if errors.Is(err, router.ErrRouteNotFound) {
		return fmt.Sprintf("router-api: Path (%s) was not found!", path)
	}
	return fmt.Sprintf("router-api: request for %s failed: %v", path, err)
}

func checkRedirect(want content.Route, got *router.Route) []string {
	var findings []string
	if got.Handler != HandlerRedirect {
		findings = append(findings, fmt.Sprintf("router-api: Handler is not a redirect for %s.", want.Path))
	}
	if got.RedirectTo != want.Destination {
		findings = append(findings, fmt.Sprintf(
			"router-api: Route destination (%s) does not match item destination (%s).", got.RedirectTo, want.Destination))
	}
	if got.RouteType != want.Type {
		findings = append(findings, fmt.Sprintf(
			"router-api: Route type (%s) does not match item route type (%s).", got.RouteType, want.Type))
	}
	return findings
}

func checkRoute(want content.Route, got *router.Route, backend, handler string) []string {
	var findings []string
	if got.RouteType != want.Type {
		findings = append(findings, fmt.Sprintf(
			"router-api: Route type (%s) does not match item route type (%s).", got.RouteType, want.Type))
	}
	if got.BackendID != backend {
		findings = append(findings, fmt.Sprintf(
			"router-api: Backend ID (%s) does not match item backend (%s).", got.BackendID, backend))
	}
	if got.Disabled {
		findings = append(findings, "router-api: Item is marked as disabled.")
	}
	if got.Handler != handler {
		findings = append(findings, fmt.Sprintf(
			"router-api: Handler (%s) does not match expected item handler (%s).", got.Handler, handler))
	}
	return findings
}

// checkContentStores checks the store the edition is designated for. Content
// that should be gone is checked against both stores.
func (c *Checker) checkContentStores(ctx context.Context, item *content.ContentItemRecord, unpublishing *content.UnpublishingRecord, handler string) []string {
	if item.Pathless() {
		return nil
	}
	path := item.Path()

	if handler == HandlerGone && (unpublishing == nil || unpublishing.Type == content.UnpublishVanish) {
		var findings []string
		for _, store := range []content.Store{content.DraftStore, content.LiveStore} {
			client := c.stores.For(string(store))
			if client == nil {
				continue
			}
			_, err := client.GetContentItem(ctx, path)
			switch {
			case err == nil:
				findings = append(findings, fmt.Sprintf("content-store: Content is gone but exists in the %s content store.", store))
			case errors.Is(err, contentstore.ErrNotFound):
			default:
				findings = append(findings, storeFailure(err))
			}
		}
		return findings
	}

	store := item.ContentStore
	if store == "" {
		store = content.DraftStore
	}
	client := c.stores.For(string(store))
	if client == nil {
		return []string{fmt.Sprintf("content-store: No client for the %s content store.", store)}
	}
	stored, err := client.GetContentItem(ctx, path)
	if errors.Is(err, contentstore.ErrNotFound) {
		return []string{fmt.Sprintf("content-store: Content is not in the %s content store.", store)}
	}
	if err != nil {
		return []string{storeFailure(err)}
	}
	if unpublishing != nil && unpublishing.Type != content.UnpublishWithdrawal {
		// Redirect and gone unpublishings replace the stored document.
		return nil
	}
	if got, _ := stored["rendering_app"].(string); got != item.RenderingApp {
		return []string{fmt.Sprintf("content-store: Rendering app (%s) does not match item rendering app (%s).", got, item.RenderingApp)}
	}
	return nil
}

func storeFailure(err error) string {
	if remote.StatusCode(err) == http.StatusForbidden {
		return "content-store: HTTP 403 response."
	}
	return fmt.Sprintf("content-store: request failed: %v", err)
}

func (c *Checker) observe(report *Report) {
	if report.Consistent() {
		checksTotal.WithLabelValues("consistent").Inc()
		return
	}
	checksTotal.WithLabelValues("inconsistent").Inc()
	for _, finding := range report.Errors {
		system, _, _ := strings.Cut(finding, ":")
		findingsTotal.WithLabelValues(system).Inc()
	}
	c.logger.Warn("content is inconsistent", "contentID", report.ContentID, "locale", report.Locale, "findings", len(report.Errors))
}
