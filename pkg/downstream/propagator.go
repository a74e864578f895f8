package downstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/contentstore"
	"github.com/kubeflow/publishing-api/pkg/links"
	"github.com/kubeflow/publishing-api/pkg/messagebus"
	"github.com/kubeflow/publishing-api/pkg/queue"
	"github.com/kubeflow/publishing-api/pkg/remote"
)

// ErrDraftToLive is returned when a live push finds only a draft.
var ErrDraftToLive = errors.New("will not send a draft content item to the live content store")

// BasePathConflictError reports that a path due for deletion from the draft
// store now belongs to another document.
type BasePathConflictError struct {
	BasePath       string
	ContentID      string
	OwnerContentID string
}

func (e *BasePathConflictError) Error() string {
	return fmt.Sprintf("cannot discard %s for %s: path is in use by %s", e.BasePath, e.ContentID, e.OwnerContentID)
}

// Deps are the collaborators of a Propagator.
type Deps struct {
	Items     *content.ItemStore
	Links     *links.Store
	Rules     *links.Rules
	Presenter *Presenter
	Stores    contentstore.Set
	Bus       messagebus.Publisher
	Queue     queue.Enqueuer
	Logger    *slog.Logger
}

// Propagator executes propagation tasks.
type Propagator struct {
	items     *content.ItemStore
	links     *links.Store
	rules     *links.Rules
	presenter *Presenter
	stores    contentstore.Set
	bus       messagebus.Publisher
	queue     queue.Enqueuer
	logger    *slog.Logger
}

// NewPropagator creates a Propagator.
func NewPropagator(d Deps) *Propagator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Rules == nil {
		d.Rules = links.DefaultRules()
	}
	if d.Bus == nil {
		d.Bus = messagebus.NoopPublisher{}
	}
	return &Propagator{
		items:     d.Items,
		links:     d.Links,
		rules:     d.Rules,
		presenter: d.Presenter,
		stores:    d.Stores,
		bus:       d.Bus,
		queue:     d.Queue,
		logger:    d.Logger,
	}
}

// Handlers returns the queue handlers for every task kind.
func (p *Propagator) Handlers() queue.Handlers {
	return queue.Handlers{
		KindDraft: queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
			var payload PushPayload
			if err := task.Decode(&payload); err != nil {
				return queue.Permanent(err)
			}
			return p.Push(ctx, content.DraftStore, payload)
		}),
		KindLive: queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
			var payload PushPayload
			if err := task.Decode(&payload); err != nil {
				return queue.Permanent(err)
			}
			return p.Push(ctx, content.LiveStore, payload)
		}),
		KindDiscardDraft: queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
			var payload DiscardPayload
			if err := task.Decode(&payload); err != nil {
				return queue.Permanent(err)
			}
			return p.DiscardDraft(ctx, payload)
		}),
		KindDependencyResolution: queue.HandlerFunc(func(ctx context.Context, task *queue.Task) error {
			var payload DependencyPayload
			if err := task.Decode(&payload); err != nil {
				return queue.Permanent(err)
			}
			return p.ResolveDependencies(ctx, payload)
		}),
	}
}

// Push sends the current state of a document to store. A live push refuses
// documents that only have a draft.
func (p *Propagator) Push(ctx context.Context, store content.Store, payload PushPayload) error {
	if payload.Locale == "" {
		payload.Locale = content.DefaultLocale
	}
	log := p.logger.With("contentID", payload.ContentID, "locale", payload.Locale, "store", store)

	item, err := p.items.Resolve(ctx, payload.ContentID, content.StatesFor(store), []string{payload.Locale})
	if err != nil {
		return err
	}
	if item == nil {
		if store == content.LiveStore {
			draft, err := p.items.FindByState(ctx, payload.ContentID, payload.Locale, content.StateDraft)
			if err != nil {
				return err
			}
			if draft != nil {
				propagationsTotal.WithLabelValues(string(store), "put", "refused").Inc()
				return queue.Permanent(fmt.Errorf("%w: %s", ErrDraftToLive, payload.ContentID))
			}
		}
		log.Info("no edition to push")
		return nil
	}

	unpublishing, err := p.unpublishingOf(ctx, item)
	if err != nil {
		return err
	}
	put, err := p.write(ctx, log, store, item, unpublishing, payload.PayloadVersion)
	if err != nil {
		return err
	}
	if put && store == content.LiveStore && payload.UpdateType != "" {
		p.broadcast(ctx, log, item, unpublishing, payload.UpdateType, payload.PayloadVersion)
	}

	if payload.UpdateDependencies && p.rules.AffectsExpansion(payload.ChangedFields) {
		return p.enqueueDependencies(ctx, store, payload.ContentID, payload.PayloadVersion, payload.ChangedFields)
	}
	return nil
}

// DiscardDraft removes a discarded draft's path from the draft store. The
// document is looked up again by content ID: if it still has an edition at a
// path, that edition is pushed and the requested path is deleted only when
// it differs. A path now used by another document is never deleted.
func (p *Propagator) DiscardDraft(ctx context.Context, payload DiscardPayload) error {
	if payload.Locale == "" {
		payload.Locale = content.DefaultLocale
	}
	log := p.logger.With("contentID", payload.ContentID, "locale", payload.Locale, "basePath", payload.BasePath)

	current, err := p.items.Resolve(ctx, payload.ContentID, content.StatesFor(content.DraftStore), []string{payload.Locale})
	if err != nil {
		return err
	}

	switch {
	case current != nil && !current.Pathless():
		unpublishing, err := p.unpublishingOf(ctx, current)
		if err != nil {
			return err
		}
		if _, err := p.write(ctx, log, content.DraftStore, current, unpublishing, payload.PayloadVersion); err != nil {
			return err
		}
		if payload.BasePath != "" && current.Path() != payload.BasePath {
			if err := p.discardPath(ctx, log, payload); err != nil {
				return err
			}
		}
	case payload.BasePath != "":
		if err := p.discardPath(ctx, log, payload); err != nil {
			return err
		}
	}

	if payload.UpdateDependencies {
		return p.enqueueDependencies(ctx, content.DraftStore, payload.ContentID, payload.PayloadVersion, nil)
	}
	return nil
}

// ResolveDependencies pushes every dependent of a content ID, in each of its
// locales, to the store the change came from. The pushes do not fan out any
// further.
func (p *Propagator) ResolveDependencies(ctx context.Context, payload DependencyPayload) error {
	log := p.logger.With("contentID", payload.ContentID, "store", payload.Store)

	ids, err := p.links.DependentContentIDs(ctx, payload.ContentID, p.rules)
	if err != nil {
		return err
	}
	dependencyFanout.WithLabelValues(string(payload.Store)).Observe(float64(len(ids)))

	enqueued := 0
	for _, id := range ids {
		locales, err := p.items.LocalesFor(ctx, id)
		if err != nil {
			return err
		}
		for _, locale := range locales {
			item, err := p.items.Resolve(ctx, id, content.StatesFor(payload.Store), []string{locale})
			if err != nil {
				return err
			}
			if item == nil {
				continue
			}
			task, err := NewPushTask(payload.Store, PushPayload{
				ContentID:      id,
				Locale:         locale,
				PayloadVersion: payload.PayloadVersion,
			})
			if err != nil {
				return err
			}
			if _, err := p.queue.Enqueue(ctx, task); err != nil {
				return fmt.Errorf("enqueue dependent %s: %w", id, err)
			}
			enqueued++
		}
	}
	log.Info("enqueued dependent content", "dependents", len(ids), "tasks", enqueued)
	return nil
}

// Replay enqueues a push of every document in every locale to store. The
// stores hold nothing that cannot be rebuilt this way.
func (p *Propagator) Replay(ctx context.Context, store content.Store, payloadVersion uint64) (int, error) {
	ids, err := p.items.ContentIDs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		locales, err := p.items.LocalesFor(ctx, id)
		if err != nil {
			return n, err
		}
		for _, locale := range locales {
			// No update type: a replay is not broadcast.
			task, err := NewPushTask(store, PushPayload{ContentID: id, Locale: locale, PayloadVersion: payloadVersion})
			if err != nil {
				return n, err
			}
			if _, err := p.queue.Enqueue(ctx, task); err != nil {
				return n, fmt.Errorf("enqueue replay of %s: %w", id, err)
			}
			n++
		}
	}
	p.logger.Info("replay enqueued", "store", store, "tasks", n)
	return n, nil
}

func (p *Propagator) unpublishingOf(ctx context.Context, item *content.ContentItemRecord) (*content.UnpublishingRecord, error) {
	if item.State != content.StateUnpublished {
		return nil, nil
	}
	return p.items.GetUnpublishing(ctx, item.ID)
}

// write puts or deletes item in store and reports whether the store accepted
// a put.
func (p *Propagator) write(ctx context.Context, log *slog.Logger, store content.Store, item *content.ContentItemRecord, unpublishing *content.UnpublishingRecord, payloadVersion uint64) (bool, error) {
	if item.Pathless() {
		log.Debug("pathless content is not sent to content stores")
		return false, nil
	}
	client := p.stores.For(string(store))
	if client == nil {
		return false, queue.Permanent(fmt.Errorf("no client for %s content store", store))
	}

	if unpublishing != nil {
		switch unpublishing.Type {
		case content.UnpublishVanish:
			_, err := p.classify(log, store, "delete", client.DeleteContentItem(ctx, item.Path()))
			return false, err
		case content.UnpublishSubstitute:
			log.Info("edition was substituted, leaving its path to the replacement", "basePath", item.Path())
			return false, nil
		}
	}

	body, err := p.presenter.ContentStorePayload(ctx, item, unpublishing, store, payloadVersion)
	if err != nil {
		return false, err
	}
	return p.classify(log, store, "put", client.PutContentItem(ctx, item.Path(), body))
}

func (p *Propagator) discardPath(ctx context.Context, log *slog.Logger, payload DiscardPayload) error {
	owner, err := p.items.FindOtherAtPath(ctx, payload.BasePath, content.StatesFor(content.DraftStore), payload.ContentID)
	if err != nil {
		return err
	}
	if owner != nil {
		conflict := &BasePathConflictError{BasePath: payload.BasePath, ContentID: payload.ContentID, OwnerContentID: owner.ContentID}
		basePathConflictsTotal.Inc()
		if payload.AlertOnBasePathConflict {
			log.Error("base path conflict on discard", "error", conflict)
		} else {
			log.Warn("base path conflict on discard", "error", conflict)
		}
		return nil
	}
	_, err = p.classify(log, content.DraftStore, "delete", p.stores.Draft.DeleteContentItem(ctx, payload.BasePath))
	return err
}

// classify swallows errors the store reports as client errors (<500): the
// request is a duplicate or already applied and retrying will not help.
// Server errors and transport failures are returned for retry.
// The bool is false when the store rejected the request.
func (p *Propagator) classify(log *slog.Logger, store content.Store, action string, err error) (bool, error) {
	if err == nil {
		propagationsTotal.WithLabelValues(string(store), action, "ok").Inc()
		return true, nil
	}
	if code := remote.StatusCode(err); code > 0 && code < 500 {
		propagationsTotal.WithLabelValues(string(store), action, "rejected").Inc()
		log.Warn("content store rejected request, the message is a duplicate and does not need to be retried",
			"action", action, "status", code, "error", err)
		return false, nil
	}
	propagationsTotal.WithLabelValues(string(store), action, "error").Inc()
	return false, fmt.Errorf("%s to %s content store: %w", action, store, err)
}

func (p *Propagator) broadcast(ctx context.Context, log *slog.Logger, item *content.ContentItemRecord, unpublishing *content.UnpublishingRecord, updateType content.UpdateType, payloadVersion uint64) {
	payload, err := p.presenter.MessageBusPayload(ctx, item, unpublishing, updateType, payloadVersion)
	if err != nil {
		busEventsTotal.WithLabelValues("error").Inc()
		log.Error("failed to present message bus payload", "error", err)
		return
	}
	if err := p.bus.Send(ctx, messagebus.NewEvent(payload)); err != nil {
		busEventsTotal.WithLabelValues("error").Inc()
		log.Error("failed to broadcast to message bus", "routingKey", payload["routing_key"], "error", err)
		return
	}
	busEventsTotal.WithLabelValues("sent").Inc()
}

func (p *Propagator) enqueueDependencies(ctx context.Context, store content.Store, contentID string, payloadVersion uint64, changed []string) error {
	task, err := NewDependencyTask(DependencyPayload{
		ContentID:      contentID,
		Store:          store,
		PayloadVersion: payloadVersion,
		ChangedFields:  changed,
	})
	if err != nil {
		return err
	}
	if _, err := p.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue dependency resolution for %s: %w", contentID, err)
	}
	return nil
}
