package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/space-intake-api/internal/dto"
	"github.com/noah-isme/space-intake-api/internal/models"
	"github.com/noah-isme/space-intake-api/internal/wire"
	appErrors "github.com/noah-isme/space-intake-api/pkg/errors"
)

const reconnectBackoff = 5 * time.Second

type workflow interface {
	Get(ctx context.Context, schema string) (*models.Application, error)
	Approve(ctx context.Context, params dto.TransitionParams) (*models.Application, error)
	Reject(ctx context.Context, params dto.TransitionParams) (*models.Application, error)
	Delete(ctx context.Context, schema string) (*models.Application, error)
	List(ctx context.Context, limit int) ([]models.Application, error)
}

type replier interface {
	SendToAdmin(ctx context.Context, content string) error
}

type subscriber interface {
	Subscribe(ctx context.Context, filter wire.Filter) (<-chan wire.Event, func(), error)
}

type commandMetrics interface {
	RecordCommand(command string)
}

type command struct {
	prefix string
	usage  string
	handle func(d *Dispatcher, ctx context.Context, args string)
}

// Dispatcher listens on the admin room and routes slash commands to the
// workflow service. Commands are matched by prefix, first match wins.
type Dispatcher struct {
	subscriber subscriber
	wf         workflow
	replier    replier
	metrics    commandMetrics
	commands   []command
	admins     map[string]struct{}
	room       string
	selfPubkey string
	logger     *zap.Logger
	backoff    time.Duration
	now        func() time.Time
}

// NewDispatcher constructs the dispatcher. An empty admin list means every
// authenticated room member may issue commands.
func NewDispatcher(sub subscriber, wf workflow, rep replier, metrics commandMetrics, room, selfPubkey string, adminPubkeys []string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	admins := make(map[string]struct{}, len(adminPubkeys))
	for _, pk := range adminPubkeys {
		admins[strings.ToLower(pk)] = struct{}{}
	}
	d := &Dispatcher{
		subscriber: sub,
		wf:         wf,
		replier:    rep,
		metrics:    metrics,
		admins:     admins,
		room:       room,
		selfPubkey: selfPubkey,
		logger:     logger,
		backoff:    reconnectBackoff,
		now:        time.Now,
	}
	d.commands = []command{
		{prefix: "/help", usage: "/help - list available commands", handle: (*Dispatcher).cmdHelp},
		{prefix: "/approve", usage: "/approve <schema> [message] - approve an application", handle: (*Dispatcher).cmdApprove},
		{prefix: "/reject", usage: "/reject <schema> [message] - reject an application", handle: (*Dispatcher).cmdReject},
		{prefix: "/info", usage: "/info <schema> - show one application", handle: (*Dispatcher).cmdInfo},
		{prefix: "/list", usage: "/list [limit] - list recent applications", handle: (*Dispatcher).cmdList},
		{prefix: "/delete", usage: "/delete <schema> - delete an application and its config", handle: (*Dispatcher).cmdDelete},
	}
	return d
}

// Run subscribes to the admin room and processes commands until ctx is
// cancelled. A dropped subscription is re-established after a short backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		filter := wire.Filter{
			Kinds: []int{wire.KindRoomMessage},
			Rooms: []string{d.room},
			Since: d.now().Unix(),
		}
		events, stop, err := d.subscriber.Subscribe(ctx, filter)
		if err != nil {
			d.logger.Error("admin room subscription failed", zap.Error(err))
			if !d.wait(ctx) {
				return ctx.Err()
			}
			continue
		}
		d.logger.Info("listening for admin commands", zap.String("room", d.room))
		for ev := range events {
			ev := ev
			go d.handle(ctx, &ev)
		}
		stop()
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Warn("admin room subscription lost, reconnecting")
		if !d.wait(ctx) {
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d.backoff):
		return true
	}
}

// handle processes a single room event. A panicking command must not take
// down the subscription loop.
func (d *Dispatcher) handle(ctx context.Context, ev *wire.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked", zap.Any("panic", r), zap.String("event", ev.ID))
		}
	}()

	if ev.Pubkey == d.selfPubkey {
		return
	}
	if !strings.HasPrefix(ev.Content, "/") {
		return
	}
	if err := wire.Verify(ev); err != nil {
		d.logger.Warn("dropping unverifiable room event", zap.String("event", ev.ID), zap.Error(err))
		return
	}
	if len(d.admins) > 0 {
		if _, ok := d.admins[strings.ToLower(ev.Pubkey)]; !ok {
			d.logger.Warn("ignoring command from non-admin", zap.String("pubkey", ev.Pubkey))
			return
		}
	}

	content := strings.TrimSpace(ev.Content)
	for _, cmd := range d.commands {
		if content == cmd.prefix || strings.HasPrefix(content, cmd.prefix+" ") {
			if d.metrics != nil {
				d.metrics.RecordCommand(strings.TrimPrefix(cmd.prefix, "/"))
			}
			args := strings.TrimSpace(strings.TrimPrefix(content, cmd.prefix))
			cmd.handle(d, ctx, args)
			return
		}
	}
	d.reply(ctx, "Unknown command. Try /help")
}

func (d *Dispatcher) reply(ctx context.Context, content string) {
	if err := d.replier.SendToAdmin(ctx, content); err != nil {
		d.logger.Error("command reply failed", zap.Error(err))
	}
}

func (d *Dispatcher) cmdHelp(ctx context.Context, args string) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range d.commands {
		b.WriteString(cmd.usage + "\n")
	}
	d.reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// splitArgs separates the schema argument from an optional free-form tail.
func splitArgs(args string) (string, string) {
	parts := strings.SplitN(args, " ", 2)
	schema := strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		return schema, strings.TrimSpace(parts[1])
	}
	return schema, ""
}

func (d *Dispatcher) cmdApprove(ctx context.Context, args string) {
	schema, message := splitArgs(args)
	if schema == "" {
		d.reply(ctx, "Usage: /approve <schema> [message]")
		return
	}
	app, err := d.wf.Approve(ctx, dto.TransitionParams{Schema: schema, Message: message})
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			d.reply(ctx, "Invalid application id: "+schema)
			return
		}
		d.logger.Error("approve failed", zap.String("schema", schema), zap.Error(err))
		d.reply(ctx, "Failed to approve "+schema)
		return
	}
	d.reply(ctx, fmt.Sprintf("Approved %s (%s)", app.Name, app.Schema))
}

func (d *Dispatcher) cmdReject(ctx context.Context, args string) {
	schema, message := splitArgs(args)
	if schema == "" {
		d.reply(ctx, "Usage: /reject <schema> [message]")
		return
	}
	app, err := d.wf.Reject(ctx, dto.TransitionParams{Schema: schema, Message: message})
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			d.reply(ctx, "Invalid application id: "+schema)
			return
		}
		d.logger.Error("reject failed", zap.String("schema", schema), zap.Error(err))
		d.reply(ctx, "Failed to reject "+schema)
		return
	}
	d.reply(ctx, fmt.Sprintf("Rejected %s (%s)", app.Name, app.Schema))
}

func (d *Dispatcher) cmdInfo(ctx context.Context, args string) {
	schema, _ := splitArgs(args)
	if schema == "" {
		d.reply(ctx, "Usage: /info <schema>")
		return
	}
	app, err := d.wf.Get(ctx, schema)
	if err != nil {
		d.logger.Error("info lookup failed", zap.String("schema", schema), zap.Error(err))
		d.reply(ctx, "Failed to look up "+schema)
		return
	}
	if app == nil {
		d.reply(ctx, "Invalid application id: "+schema)
		return
	}
	d.reply(ctx, renderInfo(app))
}

func renderInfo(app *models.Application) string {
	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "name: %s\n", app.Name)
	fmt.Fprintf(&b, "schema: %s\n", app.Schema)
	fmt.Fprintf(&b, "status: %s\n", app.Status())
	fmt.Fprintf(&b, "pubkey: %s\n", app.Pubkey)
	fmt.Fprintf(&b, "description: %s\n", app.Description)
	fmt.Fprintf(&b, "created_at: %s\n", time.Unix(app.CreatedAt, 0).UTC().Format(time.RFC3339))
	keys := make([]string, 0, len(app.Metadata))
	for k := range app.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, app.Metadata[k])
	}
	b.WriteString("```")
	return b.String()
}

func (d *Dispatcher) cmdList(ctx context.Context, args string) {
	limit := 10
	if args != "" {
		parsed, err := strconv.Atoi(args)
		if err != nil || parsed <= 0 {
			d.reply(ctx, "Usage: /list [limit]")
			return
		}
		limit = parsed
	}
	apps, err := d.wf.List(ctx, limit)
	if err != nil {
		d.logger.Error("list failed", zap.Error(err))
		d.reply(ctx, "Failed to list applications")
		return
	}
	if len(apps) == 0 {
		d.reply(ctx, "No applications yet")
		return
	}
	var b strings.Builder
	for _, app := range apps {
		fmt.Fprintf(&b, "- %s (%s): %s\n", app.Name, app.Schema, app.Status())
	}
	d.reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) cmdDelete(ctx context.Context, args string) {
	schema, _ := splitArgs(args)
	if schema == "" {
		d.reply(ctx, "Usage: /delete <schema>")
		return
	}
	app, err := d.wf.Delete(ctx, schema)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			d.reply(ctx, "Invalid application id: "+schema)
			return
		}
		d.logger.Error("delete failed", zap.String("schema", schema), zap.Error(err))
		d.reply(ctx, "Failed to delete "+schema)
		return
	}
	d.reply(ctx, fmt.Sprintf("Deleted %s (%s)", app.Name, app.Schema))
}
