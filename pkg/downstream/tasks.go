// Package downstream propagates committed content to the draft and live
// content stores and the message bus.
//
// Propagation runs on the task queue after the command that caused it has
// committed. Every handler re-reads the current state of the content it is
// asked about, so tasks may run more than once and in any order.
package downstream

import (
	"fmt"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/queue"
)

// Task kinds handled by the Propagator.
const (
	KindDraft                = "downstream_draft"
	KindLive                 = "downstream_live"
	KindDiscardDraft         = "downstream_discard_draft"
	KindDependencyResolution = "dependency_resolution"
)

// PushPayload asks for the current state of a document to be pushed to one
// store.
type PushPayload struct {
	ContentID      string `json:"content_id"`
	Locale         string `json:"locale"`
	PayloadVersion uint64 `json:"payload_version"`
	// UpdateType is set on live pushes that should also be broadcast.
	UpdateType         content.UpdateType `json:"update_type,omitempty"`
	UpdateDependencies bool               `json:"update_dependencies"`
	// ChangedFields limits dependency resolution to changes that can show up
	// in other items' links. Nil means every field may have changed.
	ChangedFields []string `json:"changed_fields,omitempty"`
}

// DiscardPayload asks for a base path to be removed from the draft store
// once a draft has been discarded.
type DiscardPayload struct {
	ContentID               string `json:"content_id"`
	Locale                  string `json:"locale"`
	BasePath                string `json:"base_path"`
	PayloadVersion          uint64 `json:"payload_version"`
	UpdateDependencies      bool   `json:"update_dependencies"`
	AlertOnBasePathConflict bool   `json:"alert_on_base_path_conflict"`
}

// DependencyPayload asks for every dependent of a content ID to be pushed
// again to one store.
type DependencyPayload struct {
	ContentID      string        `json:"content_id"`
	Store          content.Store `json:"content_store"`
	PayloadVersion uint64        `json:"payload_version"`
	ChangedFields  []string      `json:"changed_fields,omitempty"`
}

// KindFor returns the push task kind for a store.
func KindFor(store content.Store) string {
	if store == content.LiveStore {
		return KindLive
	}
	return KindDraft
}

// NewPushTask builds a push task. Republishes and dependency fan-out go on
// the low lane; everything else on the high lane.
func NewPushTask(store content.Store, p PushPayload) (*queue.Task, error) {
	lane := queue.LaneHigh
	if p.UpdateType == content.UpdateRepublish || !p.UpdateDependencies {
		lane = queue.LaneLow
	}
	if p.Locale == "" {
		p.Locale = content.DefaultLocale
	}
	kind := KindFor(store)
	key := fmt.Sprintf("%s:%s:%s:%d", kind, p.ContentID, p.Locale, p.PayloadVersion)
	return queue.NewTask(kind, lane, p, key)
}

// NewDiscardTask builds a discard-draft task.
func NewDiscardTask(p DiscardPayload) (*queue.Task, error) {
	if p.Locale == "" {
		p.Locale = content.DefaultLocale
	}
	key := fmt.Sprintf("%s:%s:%s:%s:%d", KindDiscardDraft, p.ContentID, p.Locale, p.BasePath, p.PayloadVersion)
	return queue.NewTask(KindDiscardDraft, queue.LaneHigh, p, key)
}

// NewDependencyTask builds a dependency resolution task.
func NewDependencyTask(p DependencyPayload) (*queue.Task, error) {
	key := fmt.Sprintf("%s:%s:%s:%d", KindDependencyResolution, p.Store, p.ContentID, p.PayloadVersion)
	return queue.NewTask(KindDependencyResolution, queue.LaneLow, p, key)
}
