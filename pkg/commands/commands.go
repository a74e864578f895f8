// Package commands implements the content item lifecycle: drafts, publishing,
// unpublishing, discarding drafts and link set updates.
//
// Every command runs in a single database transaction and increments the lock
// version of the entity it changes. Downstream propagation is scheduled only
// after the transaction has committed.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/downstream"
	"github.com/kubeflow/publishing-api/pkg/links"
	"github.com/kubeflow/publishing-api/pkg/queue"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

// Deps are the collaborators of Commands.
type Deps struct {
	DB          *gorm.DB
	Queue       queue.Enqueuer
	Rules       *links.Rules
	WebsiteRoot string
	Logger      *slog.Logger
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Commands executes lifecycle commands and the queries that read their
// results.
type Commands struct {
	db           *gorm.DB
	items        *content.ItemStore
	reservations *content.ReservationStore
	links        *links.Store
	ledger       *versioning.Ledger
	expander     *links.Expander
	queue        queue.Enqueuer
	validate     *validator.Validate
	logger       *slog.Logger
	now          func() time.Time
}

// New creates Commands backed by d.DB.
func New(d Deps) *Commands {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Rules == nil {
		d.Rules = links.DefaultRules()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	items := content.NewItemStore(d.DB)
	linkStore := links.NewStore(d.DB)
	return &Commands{
		db:           d.DB,
		items:        items,
		reservations: content.NewReservationStore(d.DB),
		links:        linkStore,
		ledger:       versioning.NewLedger(d.DB),
		expander:     links.NewExpander(linkStore, items, d.Rules, d.WebsiteRoot),
		queue:        d.Queue,
		validate:     newValidator(),
		logger:       d.Logger,
		now:          d.Now,
	}
}

// txn carries the transaction-bound stores of one command and the tasks it
// schedules.
type txn struct {
	items        *content.ItemStore
	reservations *content.ReservationStore
	links        *links.Store
	ledger       *versioning.Ledger
	tasks        []*queue.Task
}

func (t *txn) push(store content.Store, p downstream.PushPayload) error {
	task, err := downstream.NewPushTask(store, p)
	if err != nil {
		return err
	}
	t.tasks = append(t.tasks, task)
	return nil
}

func (t *txn) discard(p downstream.DiscardPayload) error {
	task, err := downstream.NewDiscardTask(p)
	if err != nil {
		return err
	}
	t.tasks = append(t.tasks, task)
	return nil
}

func (t *txn) record(ctx context.Context, action, contentID, locale, itemID, user string, details map[string]any) (uint64, error) {
	return t.items.RecordAction(ctx, &content.ActionRecord{
		ContentID:     contentID,
		Locale:        locale,
		Action:        action,
		UserUID:       user,
		ContentItemID: itemID,
		Details:       content.JSONAny(details),
	})
}

// run executes fn in a transaction and enqueues the tasks it collected once
// the transaction has committed.
func (c *Commands) run(ctx context.Context, name string, fn func(t *txn) error) error {
	start := time.Now()
	t := &txn{}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t.items = c.items.WithTx(tx)
		t.reservations = c.reservations.WithTx(tx)
		t.links = c.links.WithTx(tx)
		t.ledger = c.ledger.WithTx(tx)
		return fn(t)
	})
	commandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		err = commandError(err)
		if ce, ok := AsCommandError(err); ok {
			commandsTotal.WithLabelValues(name, string(ce.Kind)).Inc()
		} else {
			commandsTotal.WithLabelValues(name, "error").Inc()
			c.logger.Error("command failed", "command", name, "error", err)
		}
		return err
	}
	commandsTotal.WithLabelValues(name, "ok").Inc()
	c.schedule(ctx, name, t.tasks)
	return nil
}

// schedule enqueues tasks for a committed command. A failure here cannot undo
// the command, so it is logged and counted.
func (c *Commands) schedule(ctx context.Context, command string, tasks []*queue.Task) {
	if c.queue == nil {
		return
	}
	for _, task := range tasks {
		if _, err := c.queue.Enqueue(ctx, task); err != nil {
			scheduleFailuresTotal.WithLabelValues(task.Kind).Inc()
			c.logger.Error("failed to schedule propagation",
				"command", command, "kind", task.Kind, "payload", task.Payload, "error", err)
		}
	}
}

func localeOrDefault(locale string) string {
	if locale == "" {
		return content.DefaultLocale
	}
	return locale
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// readVersion returns the lock version of v, or 0 when it has none.
func readVersion(ctx context.Context, ledger *versioning.Ledger, v versioning.Versionable) (int, error) {
	n, err := ledger.Read(ctx, v)
	if errors.Is(err, versioning.ErrNotVersioned) {
		return 0, nil
	}
	return n, err
}
