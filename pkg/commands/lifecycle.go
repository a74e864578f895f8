package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/downstream"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

const substitutionExplanation = "Automatically unpublished to make way for another content item"

// PutDraft creates the draft of a document or replaces the existing one.
func (c *Commands) PutDraft(ctx context.Context, req PutDraftRequest) (*ContentView, error) {
	req.Locale = localeOrDefault(req.Locale)
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	var (
		draft   *content.ContentItemRecord
		version int
	)
	err := c.run(ctx, "put_draft", func(t *txn) error {
		var err error
		draft, version, err = c.putDraft(ctx, t, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.view(draft, version), nil
}

func (c *Commands) putDraft(ctx context.Context, t *txn, req PutDraftRequest) (*content.ContentItemRecord, int, error) {
	if err := t.reservations.Reserve(ctx, req.BasePath, req.PublishingApp); err != nil {
		return nil, 0, err
	}
	previous, err := t.items.FindPrevious(ctx, req.ContentID, req.Locale)
	if err != nil {
		return nil, 0, err
	}
	// Redrafts of the same edition queue on its version row before looking
	// for a draft.
	previousVersion := 0
	if previous != nil {
		previousVersion, err = t.ledger.CheckForUpdate(ctx, previous, nil)
		if err != nil && !errors.Is(err, versioning.ErrNotVersioned) {
			return nil, 0, err
		}
	}
	draft, err := t.items.FindDraftForUpdate(ctx, req.ContentID, req.Locale)
	if err != nil {
		return nil, 0, err
	}

	var (
		version int
		oldPath string
	)
	if draft != nil {
		version, err = t.ledger.IncrementAndSave(ctx, draft, req.PreviousVersion)
		if err != nil {
			return nil, 0, err
		}
		oldPath = draft.Path()
		applyDraft(draft, req)
		if err := t.items.Save(ctx, draft); err != nil {
			return nil, 0, err
		}
	} else {
		draft = &content.ContentItemRecord{
			ContentID:         req.ContentID,
			Locale:            req.Locale,
			State:             content.StateDraft,
			UserFacingVersion: 1,
			ContentStore:      content.DraftStore,
		}
		applyDraft(draft, req)
		if previous != nil {
			if versioning.ConflictsWith(previousVersion, req.PreviousVersion) {
				return nil, 0, &versioning.ConflictError{
					Ref:      previous.VersionRef(),
					Expected: *req.PreviousVersion,
					Current:  previousVersion,
				}
			}
			draft.UserFacingVersion = previous.UserFacingVersion + 1
			if draft.FirstPublishedAt == nil {
				draft.FirstPublishedAt = previous.FirstPublishedAt
			}
			if err := createDraft(ctx, t, draft); err != nil {
				return nil, 0, err
			}
			if version, err = t.ledger.InitializeAt(ctx, draft, previousVersion+1); err != nil {
				return nil, 0, err
			}
		} else {
			if err := createDraft(ctx, t, draft); err != nil {
				return nil, 0, err
			}
			if version, err = t.ledger.Initialize(ctx, draft); err != nil {
				return nil, 0, err
			}
		}
	}

	if _, _, err := t.links.EnsureLinkSet(ctx, req.ContentID); err != nil {
		return nil, 0, err
	}
	if req.ChangeNote != "" {
		if err := t.items.DeleteChangeNotes(ctx, draft.ID); err != nil {
			return nil, 0, err
		}
		if err := t.items.AddChangeNote(ctx, draft.ID, req.ChangeNote, c.now()); err != nil {
			return nil, 0, err
		}
	}
	if req.AccessLimited != nil {
		if len(req.AccessLimited.Users) == 0 {
			err = t.items.RemoveAccessLimit(ctx, draft.ID)
		} else {
			err = t.items.SetAccessLimit(ctx, draft.ID, req.AccessLimited.Users)
		}
		if err != nil {
			return nil, 0, err
		}
	}

	redirect, err := c.syncRedirectDraft(ctx, t, previous, draft)
	if err != nil {
		return nil, 0, err
	}

	eventID, err := t.record(ctx, "PutContent", req.ContentID, req.Locale, draft.ID, req.UserUID, map[string]any{
		"base_path":   req.BasePath,
		"schema_name": req.SchemaName,
	})
	if err != nil {
		return nil, 0, err
	}

	if err := t.push(content.DraftStore, downstream.PushPayload{
		ContentID:          req.ContentID,
		Locale:             req.Locale,
		PayloadVersion:     eventID,
		UpdateDependencies: true,
	}); err != nil {
		return nil, 0, err
	}
	if redirect != nil {
		if err := t.push(content.DraftStore, downstream.PushPayload{
			ContentID:      redirect.ContentID,
			Locale:         redirect.Locale,
			PayloadVersion: eventID,
		}); err != nil {
			return nil, 0, err
		}
	}
	if oldPath != "" && oldPath != draft.Path() {
		if err := t.discard(downstream.DiscardPayload{
			ContentID:      req.ContentID,
			Locale:         req.Locale,
			BasePath:       oldPath,
			PayloadVersion: eventID,
		}); err != nil {
			return nil, 0, err
		}
	}
	return draft, version, nil
}

// createDraft inserts a new draft. Losing the race for the one draft a
// document may have in a locale is reported as a version conflict.
func createDraft(ctx context.Context, t *txn, draft *content.ContentItemRecord) error {
	err := t.items.Create(ctx, draft)
	if err != nil && content.IsUniqueViolation(err) {
		return &versioning.ConflictError{
			Ref:     draft.VersionRef(),
			Current: -1,
			Message: fmt.Sprintf("a draft of %s (%s) was created concurrently", draft.ContentID, draft.Locale),
		}
	}
	return err
}

// parkedRedirect returns the draft redirect waiting at the path of the
// previous edition, if another document owns one there.
func parkedRedirect(ctx context.Context, t *txn, previous *content.ContentItemRecord) (*content.ContentItemRecord, error) {
	if previous == nil || previous.Pathless() {
		return nil, nil
	}
	redirect, err := t.items.FindDraftRedirectAt(ctx, previous.Path(), previous.Locale)
	if err != nil || redirect == nil || redirect.ContentID == previous.ContentID {
		return nil, err
	}
	return redirect, nil
}

// syncRedirectDraft keeps the draft redirect parked at the previous edition's
// path pointing at the draft, and removes it once the draft is back at that
// path or has none. Publishing the draft publishes the redirect with it. A
// non-nil result needs pushing to the draft store.
func (c *Commands) syncRedirectDraft(ctx context.Context, t *txn, previous, draft *content.ContentItemRecord) (*content.ContentItemRecord, error) {
	if previous == nil || previous.Pathless() {
		return nil, nil
	}
	existing, err := parkedRedirect(ctx, t, previous)
	if err != nil {
		return nil, err
	}
	oldPath := previous.Path()
	if draft.Pathless() || draft.Path() == oldPath {
		if existing == nil {
			return nil, nil
		}
		return nil, c.dropRedirectDraft(ctx, t, existing)
	}

	routes := content.JSONRoutes{{Path: oldPath, Type: "exact", Destination: draft.Path()}}
	if existing != nil {
		if len(existing.Redirects) == 1 && existing.Redirects[0] == routes[0] {
			return nil, nil
		}
		existing.Redirects = routes
		if err := t.items.Save(ctx, existing); err != nil {
			return nil, err
		}
		if _, err := t.ledger.IncrementAndSave(ctx, existing, nil); err != nil {
			return nil, err
		}
		c.logger.Info("repointed redirect for moved content",
			"contentID", draft.ContentID, "from", oldPath, "to", draft.Path(), "redirectContentID", existing.ContentID)
		return existing, nil
	}

	redirect := &content.ContentItemRecord{
		ContentID:         uuid.New().String(),
		Locale:            draft.Locale,
		State:             content.StateDraft,
		UserFacingVersion: 1,
		BasePath:          &oldPath,
		ContentStore:      content.DraftStore,
		DocumentType:      "redirect",
		SchemaName:        "redirect",
		PublishingApp:     draft.PublishingApp,
		Phase:             "live",
		UpdateType:        content.UpdateMajor,
		Redirects:         routes,
	}
	if err := t.items.Create(ctx, redirect); err != nil {
		return nil, err
	}
	if _, err := t.ledger.Initialize(ctx, redirect); err != nil {
		return nil, err
	}
	c.logger.Info("created redirect for moved content",
		"contentID", draft.ContentID, "from", oldPath, "to", draft.Path(), "redirectContentID", redirect.ContentID)
	return redirect, nil
}

// dropRedirectDraft deletes a parked redirect. The document's own push to
// the draft store overwrites its path.
func (c *Commands) dropRedirectDraft(ctx context.Context, t *txn, redirect *content.ContentItemRecord) error {
	if err := t.items.Delete(ctx, redirect.ID); err != nil {
		return err
	}
	if err := t.ledger.Delete(ctx, redirect); err != nil {
		return err
	}
	c.logger.Info("removed redirect for moved content",
		"basePath", redirect.Path(), "redirectContentID", redirect.ContentID)
	return nil
}

func applyDraft(item *content.ContentItemRecord, req PutDraftRequest) {
	item.BasePath = stringPtr(req.BasePath)
	item.Title = req.Title
	item.Description = req.Description
	item.DocumentType = req.DocumentType
	item.SchemaName = req.SchemaName
	item.PublishingApp = req.PublishingApp
	item.RenderingApp = req.RenderingApp
	item.Phase = req.Phase
	if item.Phase == "" {
		item.Phase = "live"
	}
	item.AnalyticsIdentifier = req.AnalyticsIdentifier
	item.Details = content.JSONAny(req.Details)
	item.Routes = content.JSONRoutes(req.Routes)
	item.Redirects = content.JSONRoutes(req.Redirects)
	item.UpdateType = req.UpdateType
	item.PublicUpdatedAt = req.PublicUpdatedAt
	if req.FirstPublishedAt != nil {
		item.FirstPublishedAt = req.FirstPublishedAt
	}
}

// Publish makes the draft of a document its published edition.
func (c *Commands) Publish(ctx context.Context, req PublishRequest) (*ContentView, error) {
	req.Locale = localeOrDefault(req.Locale)
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	var (
		item    *content.ContentItemRecord
		version int
	)
	err := c.run(ctx, "publish", func(t *txn) error {
		var err error
		item, version, err = c.publish(ctx, t, req.ContentID, req.Locale, req.UpdateType, req.PreviousVersion, req.UserUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.view(item, version), nil
}

func (c *Commands) publish(ctx context.Context, t *txn, contentID, locale string, updateType content.UpdateType, previousVersion *int, user string) (*content.ContentItemRecord, int, error) {
	draft, err := t.items.FindDraftForUpdate(ctx, contentID, locale)
	if err != nil {
		return nil, 0, err
	}
	if draft == nil {
		published, err := t.items.FindByState(ctx, contentID, locale, content.StatePublished)
		if err != nil {
			return nil, 0, err
		}
		if published != nil {
			return nil, 0, badRequest("Cannot publish an already published content item")
		}
		return nil, 0, notFound("Item with content_id %s and locale %s does not exist", contentID, locale)
	}

	if updateType == "" {
		updateType = draft.UpdateType
	}
	if updateType == "" {
		return nil, 0, invalid("update_type is required", map[string][]string{"update_type": {"is invalid"}})
	}
	if !updateType.IsValid() {
		return nil, 0, invalid(fmt.Sprintf("An update_type of '%s' is invalid", updateType),
			map[string][]string{"update_type": {"must be one of [major minor republish links]"}})
	}

	version, err := t.ledger.IncrementAndSave(ctx, draft, previousVersion)
	if err != nil {
		return nil, 0, err
	}

	now := c.now()
	previous, err := t.items.FindPrevious(ctx, contentID, locale)
	if err != nil {
		return nil, 0, err
	}
	if previous != nil {
		if err := t.items.SetState(ctx, previous.ID, content.StateSuperseded); err != nil {
			return nil, 0, err
		}
		if !previous.Pathless() && previous.Path() != draft.Path() {
			redirect, err := parkedRedirect(ctx, t, previous)
			if err != nil {
				return nil, 0, err
			}
			if redirect != nil {
				if _, _, err := c.publish(ctx, t, redirect.ContentID, locale, content.UpdateMajor, nil, user); err != nil {
					return nil, 0, fmt.Errorf("publish redirect at %s: %w", previous.Path(), err)
				}
			}
		}
	}

	if !draft.Pathless() {
		if err := c.substitute(ctx, t, draft, now); err != nil {
			return nil, 0, err
		}
	}

	if draft.PublicUpdatedAt == nil {
		switch updateType {
		case content.UpdateMajor:
			draft.PublicUpdatedAt = &now
		case content.UpdateMinor:
			if previous != nil && previous.PublicUpdatedAt != nil {
				draft.PublicUpdatedAt = previous.PublicUpdatedAt
			} else {
				draft.PublicUpdatedAt = &now
			}
		}
	}
	if draft.FirstPublishedAt == nil {
		draft.FirstPublishedAt = &now
	}
	if updateType != content.UpdateMajor {
		if err := t.items.DeleteChangeNotes(ctx, draft.ID); err != nil {
			return nil, 0, err
		}
	}
	draft.State = content.StatePublished
	draft.ContentStore = content.LiveStore
	draft.UpdateType = updateType
	if err := t.items.Save(ctx, draft); err != nil {
		return nil, 0, err
	}
	if err := t.items.RemoveAccessLimit(ctx, draft.ID); err != nil {
		return nil, 0, err
	}

	eventID, err := t.record(ctx, "Publish", contentID, locale, draft.ID, user, map[string]any{
		"update_type": string(updateType),
	})
	if err != nil {
		return nil, 0, err
	}
	if err := t.push(content.LiveStore, downstream.PushPayload{
		ContentID:          contentID,
		Locale:             locale,
		PayloadVersion:     eventID,
		UpdateType:         updateType,
		UpdateDependencies: true,
	}); err != nil {
		return nil, 0, err
	}
	if err := t.push(content.DraftStore, downstream.PushPayload{
		ContentID:          contentID,
		Locale:             locale,
		PayloadVersion:     eventID,
		UpdateDependencies: true,
	}); err != nil {
		return nil, 0, err
	}
	return draft, version, nil
}

// substitute unpublishes every other document published at the draft's base
// path and locale.
func (c *Commands) substitute(ctx context.Context, t *txn, draft *content.ContentItemRecord, now time.Time) error {
	others, err := t.items.FindPublishedAtPath(ctx, draft.Path(), draft.Locale, draft.ContentID)
	if err != nil {
		return err
	}
	for i := range others {
		other := &others[i]
		if err := t.items.SetState(ctx, other.ID, content.StateUnpublished); err != nil {
			return err
		}
		if err := t.items.SetUnpublishing(ctx, &content.UnpublishingRecord{
			ContentItemID: other.ID,
			Type:          content.UnpublishSubstitute,
			Explanation:   substitutionExplanation,
			UnpublishedAt: now,
		}); err != nil {
			return err
		}
		if _, err := t.ledger.IncrementAndSave(ctx, other, nil); err != nil {
			return err
		}
		c.logger.Info("substituted content at base path",
			"basePath", draft.Path(), "contentID", other.ContentID, "replacedBy", draft.ContentID)
	}
	return nil
}

// Unpublish takes the published edition of a document down. An edition that
// is already unpublished may be unpublished again to change how.
func (c *Commands) Unpublish(ctx context.Context, req UnpublishRequest) (*ContentView, error) {
	req.Locale = localeOrDefault(req.Locale)
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	var (
		item    *content.ContentItemRecord
		version int
	)
	err := c.run(ctx, "unpublish", func(t *txn) error {
		var err error
		item, version, err = c.unpublish(ctx, t, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.view(item, version), nil
}

func (c *Commands) unpublish(ctx context.Context, t *txn, req UnpublishRequest) (*content.ContentItemRecord, int, error) {
	item, err := t.items.FindPrevious(ctx, req.ContentID, req.Locale)
	if err != nil {
		return nil, 0, err
	}
	if item == nil {
		return nil, 0, notFound("Could not find a content item to unpublish")
	}

	draft, err := t.items.FindDraftForUpdate(ctx, req.ContentID, req.Locale)
	if err != nil {
		return nil, 0, err
	}
	discardedPath := ""
	if draft != nil {
		if !req.DiscardDrafts {
			return nil, 0, unprocessable("Cannot unpublish with a draft present")
		}
		discardedPath = draft.Path()
		if err := t.items.Delete(ctx, draft.ID); err != nil {
			return nil, 0, err
		}
		if err := t.ledger.Delete(ctx, draft); err != nil {
			return nil, 0, err
		}
		redirect, err := parkedRedirect(ctx, t, item)
		if err != nil {
			return nil, 0, err
		}
		if redirect != nil {
			if err := c.dropRedirectDraft(ctx, t, redirect); err != nil {
				return nil, 0, err
			}
		}
	}

	version, err := t.ledger.IncrementAndSave(ctx, item, req.PreviousVersion)
	if err != nil {
		return nil, 0, err
	}
	if item.State != content.StateUnpublished {
		if err := t.items.SetState(ctx, item.ID, content.StateUnpublished); err != nil {
			return nil, 0, err
		}
		item.State = content.StateUnpublished
	}
	at := c.now()
	if req.UnpublishedAt != nil {
		at = req.UnpublishedAt.UTC()
	}
	if err := t.items.SetUnpublishing(ctx, &content.UnpublishingRecord{
		ContentItemID:   item.ID,
		Type:            req.Type,
		Explanation:     req.Explanation,
		AlternativePath: req.AlternativePath,
		UnpublishedAt:   at,
	}); err != nil {
		return nil, 0, err
	}

	eventID, err := t.record(ctx, "Unpublish", req.ContentID, req.Locale, item.ID, req.UserUID, map[string]any{
		"type": string(req.Type),
	})
	if err != nil {
		return nil, 0, err
	}
	if err := t.push(content.LiveStore, downstream.PushPayload{
		ContentID:          req.ContentID,
		Locale:             req.Locale,
		PayloadVersion:     eventID,
		UpdateType:         content.UpdateUnpublish,
		UpdateDependencies: true,
	}); err != nil {
		return nil, 0, err
	}
	if err := t.push(content.DraftStore, downstream.PushPayload{
		ContentID:          req.ContentID,
		Locale:             req.Locale,
		PayloadVersion:     eventID,
		UpdateDependencies: true,
	}); err != nil {
		return nil, 0, err
	}
	if discardedPath != "" && discardedPath != item.Path() {
		if err := t.discard(downstream.DiscardPayload{
			ContentID:      req.ContentID,
			Locale:         req.Locale,
			BasePath:       discardedPath,
			PayloadVersion: eventID,
		}); err != nil {
			return nil, 0, err
		}
	}
	return item, version, nil
}

// DiscardResult reports the outcome of DiscardDraft. LockVersion is the
// published edition's new version, or 0 when nothing is published.
type DiscardResult struct {
	ContentID   string `json:"content_id"`
	Locale      string `json:"locale"`
	LockVersion int    `json:"lock_version"`
}

// DiscardDraft deletes the draft of a document with its supporting rows. When
// a published edition exists its lock version is incremented so consumers
// see the change.
func (c *Commands) DiscardDraft(ctx context.Context, req DiscardDraftRequest) (*DiscardResult, error) {
	req.Locale = localeOrDefault(req.Locale)
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}

	result := &DiscardResult{ContentID: req.ContentID, Locale: req.Locale}
	err := c.run(ctx, "discard_draft", func(t *txn) error {
		draft, err := t.items.FindDraftForUpdate(ctx, req.ContentID, req.Locale)
		if err != nil {
			return err
		}
		published, err := t.items.FindPublishedForUpdate(ctx, req.ContentID, req.Locale)
		if err != nil {
			return err
		}
		if draft == nil {
			if published != nil {
				return unprocessable("There is no draft content item to discard")
			}
			return notFound("There is no draft content item to discard")
		}
		if err := t.ledger.Check(ctx, draft, req.PreviousVersion); err != nil {
			return err
		}

		path := draft.Path()
		if err := t.items.Delete(ctx, draft.ID); err != nil {
			return err
		}
		if err := t.ledger.Delete(ctx, draft); err != nil {
			return err
		}
		previous, err := t.items.FindPrevious(ctx, req.ContentID, req.Locale)
		if err != nil {
			return err
		}
		redirect, err := parkedRedirect(ctx, t, previous)
		if err != nil {
			return err
		}
		if redirect != nil {
			if err := c.dropRedirectDraft(ctx, t, redirect); err != nil {
				return err
			}
		}
		if published != nil {
			if result.LockVersion, err = t.ledger.IncrementAndSave(ctx, published, nil); err != nil {
				return err
			}
		}

		eventID, err := t.record(ctx, "DiscardDraft", req.ContentID, req.Locale, draft.ID, req.UserUID, nil)
		if err != nil {
			return err
		}
		return t.discard(downstream.DiscardPayload{
			ContentID:               req.ContentID,
			Locale:                  req.Locale,
			BasePath:                path,
			PayloadVersion:          eventID,
			UpdateDependencies:      true,
			AlertOnBasePathConflict: true,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
