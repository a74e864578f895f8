package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/downstream"
	"github.com/kubeflow/publishing-api/pkg/links"
)

// PatchLinkSet replaces the link types named in req. Link types that are not
// named keep their links; an empty list removes a type.
func (c *Commands) PatchLinkSet(ctx context.Context, req PatchLinkSetRequest) (*links.LinkSet, error) {
	if err := c.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}
	if err := c.validateTargets(req.Links); err != nil {
		return nil, err
	}

	types := make([]string, 0, len(req.Links))
	for linkType := range req.Links {
		types = append(types, linkType)
	}
	sort.Strings(types)

	var set *links.LinkSet
	err := c.run(ctx, "patch_link_set", func(t *txn) error {
		record, created, err := t.links.EnsureLinkSet(ctx, req.ContentID)
		if err != nil {
			return err
		}
		if !created {
			if _, err := t.ledger.IncrementAndSave(ctx, record, req.PreviousVersion); err != nil {
				return err
			}
		}
		for _, linkType := range types {
			if err := t.links.ReplaceLinks(ctx, record.ID, linkType, req.Links[linkType]); err != nil {
				return err
			}
		}

		eventID, err := t.record(ctx, "PatchLinkSet", req.ContentID, "", "", req.UserUID, map[string]any{
			"link_types": types,
		})
		if err != nil {
			return err
		}
		locales, err := t.items.LocalesFor(ctx, req.ContentID)
		if err != nil {
			return err
		}
		for _, locale := range locales {
			if err := t.push(content.DraftStore, downstream.PushPayload{
				ContentID:          req.ContentID,
				Locale:             locale,
				PayloadVersion:     eventID,
				UpdateDependencies: true,
			}); err != nil {
				return err
			}
			live, err := t.items.Resolve(ctx, req.ContentID, content.StatesFor(content.LiveStore), []string{locale})
			if err != nil {
				return err
			}
			if live == nil {
				continue
			}
			if err := t.push(content.LiveStore, downstream.PushPayload{
				ContentID:          req.ContentID,
				Locale:             locale,
				PayloadVersion:     eventID,
				UpdateType:         content.UpdateLinks,
				UpdateDependencies: true,
			}); err != nil {
				return err
			}
		}

		set, err = t.links.Get(ctx, req.ContentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (c *Commands) validateTargets(byType map[string][]links.Target) error {
	fields := map[string][]string{}
	for linkType, targets := range byType {
		for _, target := range targets {
			if target.IsPassthrough() {
				continue
			}
			if err := c.validate.Var(target.ContentID, "required,uuid"); err != nil {
				key := "links." + linkType
				fields[key] = append(fields[key], fmt.Sprintf("%q is not a valid content_id", target.ContentID))
			}
		}
	}
	if len(fields) > 0 {
		return invalid("Unprocessable entity", fields)
	}
	return nil
}
