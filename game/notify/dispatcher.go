// Package notify turns lifecycle events into per-user notifications. Each
// notification is persisted, pushed on the recipient's pub/sub channel and,
// for opted-in users, emailed. Push and email are best-effort.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/questboard/server/cache"
	"github.com/questboard/server/game/event"
	"github.com/questboard/server/mailer"
	"github.com/questboard/server/metrics"
	"github.com/questboard/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Channel returns the pub/sub channel carrying a user's live notifications.
func Channel(userID string) string { return "notify:" + userID }

// Options tunes the dispatcher.
type Options struct {
	QueueSize   int
	PushTimeout time.Duration
	MailTimeout time.Duration
	// SideWorkers and SideQueueSize size the push/email pool. A full side
	// queue skips delivery; the notification row is already stored.
	SideWorkers   int
	SideQueueSize int
	// BatchSize bounds how many recipients are loaded and inserted per
	// statement when an event fans out to many users.
	BatchSize int
}

// Dispatcher persists notifications on one worker and hands push and email
// to a separate pool.
type Dispatcher struct {
	db     *gorm.DB
	pubsub cache.PubSub
	mailer mailer.Mailer
	opts   Options

	ch   chan event.Event
	side chan sideJob

	mu      sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// sideJob is the best-effort delivery of one stored notification.
type sideJob struct {
	n     model.Notification
	email string
	msg   message
}

// NewDispatcher creates a Dispatcher and starts its workers. ps and m may be
// nil to disable push or email.
func NewDispatcher(db *gorm.DB, ps cache.PubSub, m mailer.Mailer, opts Options, logger *zap.Logger) *Dispatcher {
	d := newDispatcher(db, ps, m, opts, logger)
	d.start()
	return d
}

func newDispatcher(db *gorm.DB, ps cache.PubSub, m mailer.Mailer, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 2 * time.Second
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = 10 * time.Second
	}
	if opts.SideWorkers <= 0 {
		opts.SideWorkers = 4
	}
	if opts.SideQueueSize <= 0 {
		opts.SideQueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Dispatcher{
		db:     db,
		pubsub: ps,
		mailer: m,
		opts:   opts,
		ch:     make(chan event.Event, opts.QueueSize),
		side:   make(chan sideJob, opts.SideQueueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

func (d *Dispatcher) start() {
	d.wg.Add(1 + d.opts.SideWorkers)
	go d.worker()
	for i := 0; i < d.opts.SideWorkers; i++ {
		go d.sideWorker()
	}
}

// Emit enqueues ev. It never blocks; when the queue is full or the
// dispatcher has stopped, the event is dropped and counted.
func (d *Dispatcher) Emit(ev event.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("notify dispatcher stopped, dropping event", zap.String("kind", string(ev.Kind())))
		return
	}
	select {
	case d.ch <- ev:
		metrics.NotifyQueueDepth.Set(float64(len(d.ch)))
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn("notify queue full, dropping event", zap.String("kind", string(ev.Kind())))
	}
}

// Stop refuses new events, drains queued ones and the pending push/email
// work, then returns. It returns early if ctx ends first.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.stopCh)
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("notify dispatcher stop timed out",
			zap.Int("pending", len(d.ch)),
			zap.Int("pending_side", len(d.side)))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	// only this goroutine sends on side
	defer close(d.side)
	for {
		select {
		case ev := <-d.ch:
			d.handle(ev)
		case <-d.stopCh:
			for {
				select {
				case ev := <-d.ch:
					d.handle(ev)
				default:
					metrics.NotifyQueueDepth.Set(0)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) sideWorker() {
	defer d.wg.Done()
	for j := range d.side {
		if d.pubsub != nil {
			d.push(context.Background(), &j.n)
		}
		if j.email != "" {
			d.email(context.Background(), j.n.UserID, j.email, j.msg)
		}
	}
}

// message is one notification to deliver. It targets either a single
// recipient or, when audience is set, every user the scope matches.
type message struct {
	recipient   string
	audience    func(*gorm.DB) *gorm.DB
	kind        model.NotificationType
	title       string
	body        string
	relatedID   string
	relatedType string
	template    string
	locals      map[string]interface{}
}

func (d *Dispatcher) handle(ev event.Event) {
	metrics.NotifyQueueDepth.Set(float64(len(d.ch)))
	ctx := context.Background()
	msgs, err := d.plan(ctx, ev)
	if err != nil {
		d.logger.Error("notify: resolve recipients failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return
	}
	for _, m := range msgs {
		if m.audience != nil {
			d.fanOut(ctx, m)
			continue
		}
		var u model.User
		err := d.db.WithContext(ctx).Where("id = ?", m.recipient).Take(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d.logger.Warn("notify: unknown recipient", zap.String("user_id", m.recipient))
			continue
		}
		if err != nil {
			d.logger.Error("notify: load recipient failed", zap.String("user_id", m.recipient), zap.Error(err))
			continue
		}
		d.deliver(ctx, []model.User{u}, m)
	}
}

// fanOut walks the audience in primary-key batches so no statement binds
// more than BatchSize recipients.
func (d *Dispatcher) fanOut(ctx context.Context, m message) {
	var batch []model.User
	res := d.db.WithContext(ctx).Model(&model.User{}).Scopes(m.audience).
		FindInBatches(&batch, d.opts.BatchSize, func(_ *gorm.DB, _ int) error {
			d.deliver(ctx, batch, m)
			return nil
		})
	if res.Error != nil {
		d.logger.Error("notify: load audience failed",
			zap.String("type", string(m.kind)),
			zap.Int64("delivered", res.RowsAffected),
			zap.Error(res.Error))
	}
}

// deliver stores one notification per user, then queues push and email.
// If the batch insert fails, rows are retried one by one so a single bad
// recipient is the only one skipped.
func (d *Dispatcher) deliver(ctx context.Context, users []model.User, m message) {
	ns := make([]model.Notification, len(users))
	for i := range users {
		ns[i] = model.Notification{
			ID:          uuid.NewString(),
			UserID:      users[i].ID,
			Type:        m.kind,
			Title:       m.title,
			Message:     m.body,
			RelatedID:   m.relatedID,
			RelatedType: m.relatedType,
		}
	}
	stored := make([]bool, len(ns))
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&ns, d.opts.BatchSize).Error
	})
	if err == nil {
		for i := range stored {
			stored[i] = true
		}
	} else {
		d.logger.Warn("notify: batch persist failed, retrying per recipient",
			zap.String("type", string(m.kind)),
			zap.Int("recipients", len(ns)),
			zap.Error(err))
		for i := range ns {
			if err := d.db.WithContext(ctx).Create(&ns[i]).Error; err != nil {
				d.logger.Error("notify: persist failed",
					zap.String("user_id", ns[i].UserID),
					zap.String("type", string(m.kind)),
					zap.Error(err))
				continue
			}
			stored[i] = true
		}
	}

	for i := range ns {
		if !stored[i] {
			continue
		}
		metrics.NotificationsSent.WithLabelValues("store").Inc()
		j := sideJob{n: ns[i], msg: m}
		u := &users[i]
		if d.mailer != nil && u.NotifyEmail && u.Email != "" && m.template != "" {
			j.email = u.Email
		}
		if d.pubsub == nil && j.email == "" {
			continue
		}
		select {
		case d.side <- j:
		default:
			metrics.SideDeliveriesDropped.Inc()
			d.logger.Warn("notify: delivery queue full, skipping push and email",
				zap.String("user_id", u.ID),
				zap.String("notification_id", ns[i].ID))
		}
	}
}

func (d *Dispatcher) push(ctx context.Context, n *model.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		d.logger.Error("notify: marshal push payload failed", zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, d.opts.PushTimeout)
	defer cancel()
	if err := d.pubsub.Publish(pctx, Channel(n.UserID), string(payload)); err != nil {
		d.logger.Warn("notify: push failed", zap.String("user_id", n.UserID), zap.Error(err))
		return
	}
	metrics.NotificationsSent.WithLabelValues("push").Inc()
}

func (d *Dispatcher) email(ctx context.Context, userID, to string, m message) {
	mctx, cancel := context.WithTimeout(ctx, d.opts.MailTimeout)
	defer cancel()
	if err := d.mailer.Send(mctx, to, m.template, m.locals); err != nil {
		d.logger.Warn("notify: email failed",
			zap.String("user_id", userID),
			zap.String("template", m.template),
			zap.Error(err))
		return
	}
	metrics.NotificationsSent.WithLabelValues("email").Inc()
}

// plan resolves the recipients and message text for ev.
func (d *Dispatcher) plan(ctx context.Context, ev event.Event) ([]message, error) {
	switch e := ev.(type) {
	case event.QuestCreated:
		creator := e.Quest.CreatedBy
		return []message{{
			audience: func(db *gorm.DB) *gorm.DB {
				return db.Where(map[string]interface{}{"active": true, "notify_new_quests": true}).
					Where("id <> ?", creator)
			},
			kind:        model.NotifyQuestCreated,
			title:       "New quest available",
			body:        fmt.Sprintf("%q (%s) was posted. Reward: %s", e.Quest.Title, e.Quest.Difficulty, e.Quest.Reward),
			relatedID:   e.Quest.ID,
			relatedType: "quest",
			template:    mailer.TemplateQuestCreated,
			locals:      questLocals(e.Quest, ""),
		}}, nil

	case event.QuestAccepted:
		name := d.displayName(ctx, e.AcceptorID)
		return []message{{
			recipient:   e.Quest.CreatedBy,
			kind:        model.NotifyQuestAccepted,
			title:       "Your quest was accepted",
			body:        fmt.Sprintf("%s accepted %q", name, e.Quest.Title),
			relatedID:   e.Quest.ID,
			relatedType: "quest",
			template:    mailer.TemplateQuestAccepted,
			locals:      questLocals(e.Quest, name),
		}}, nil

	case event.QuestCompleted:
		name := d.displayName(ctx, e.CompleterID)
		var out []message
		if e.Quest.CreatedBy != e.CompleterID {
			out = append(out, message{
				recipient:   e.Quest.CreatedBy,
				kind:        model.NotifyQuestCompleted,
				title:       "Your quest was completed",
				body:        fmt.Sprintf("%s completed %q", name, e.Quest.Title),
				relatedID:   e.Quest.ID,
				relatedType: "quest",
				template:    mailer.TemplateQuestCompleted,
				locals:      questLocals(e.Quest, name),
			})
		}
		self := questLocals(e.Quest, name)
		self["Points"] = e.EarnedPoints
		out = append(out, message{
			recipient:   e.CompleterID,
			kind:        model.NotifyQuestCompleted,
			title:       "Quest complete",
			body:        fmt.Sprintf("You completed %q and earned %d points", e.Quest.Title, e.EarnedPoints),
			relatedID:   e.Quest.ID,
			relatedType: "quest",
			template:    mailer.TemplateQuestCompletedSelf,
			locals:      self,
		})
		return out, nil

	case event.QuestReleased:
		reason := "abandoned by its adventurer"
		if e.Reason == model.HistoryFailed {
			reason = "deadline passed"
		}
		locals := questLocals(e.Quest, "")
		locals["Reason"] = reason
		return []message{{
			recipient:   e.Quest.CreatedBy,
			kind:        model.NotifyQuestReleased,
			title:       "Your quest is available again",
			body:        fmt.Sprintf("%q is available again: %s", e.Quest.Title, reason),
			relatedID:   e.Quest.ID,
			relatedType: "quest",
			template:    mailer.TemplateQuestReleased,
			locals:      locals,
		}}, nil

	case event.LeveledUp:
		body := fmt.Sprintf("You reached level %d (%s)", e.NewLevel, e.Rank)
		if e.RewardText != "" {
			body += ". " + e.RewardText
		}
		return []message{{
			recipient:   e.UserID,
			kind:        model.NotifyLevelUp,
			title:       "Level up!",
			body:        body,
			relatedID:   e.UserID,
			relatedType: "user",
			template:    mailer.TemplateLevelUp,
			locals: map[string]interface{}{
				"Level":      e.NewLevel,
				"Rank":       e.Rank,
				"RewardText": e.RewardText,
			},
		}}, nil

	case event.AchievementUnlocked:
		return []message{{
			recipient:   e.UserID,
			kind:        model.NotifyAchievementUnlocked,
			title:       "Achievement unlocked",
			body:        fmt.Sprintf("You unlocked %q", e.Title),
			relatedID:   e.Code,
			relatedType: "achievement",
			template:    mailer.TemplateAchievementUnlocked,
			locals:      map[string]interface{}{"Achievement": e.Title},
		}}, nil
	}
	d.logger.Warn("notify: unhandled event", zap.String("kind", string(ev.Kind())))
	return nil, nil
}

func questLocals(q model.Quest, actor string) map[string]interface{} {
	return map[string]interface{}{
		"QuestID":    q.ID,
		"Title":      q.Title,
		"Difficulty": string(q.Difficulty),
		"Reward":     q.Reward,
		"Actor":      actor,
	}
}

func (d *Dispatcher) displayName(ctx context.Context, userID string) string {
	var u model.User
	if err := d.db.WithContext(ctx).Select("id", "username").Where("id = ?", userID).First(&u).Error; err != nil || u.Username == "" {
		return userID
	}
	return u.Username
}
