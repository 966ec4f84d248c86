package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/naehrwerk/naehrwerk-bot/internal/config"
	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/router"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Handler consumes normalized events.
type Handler interface {
	Handle(ctx context.Context, ev router.InboundEvent) router.Result
}

// Bot runs the Socket Mode loop and delivers replies.
type Bot struct {
	api     *API
	handler Handler
	log     *slog.Logger

	botUserID string
	names     sync.Map
	wg        sync.WaitGroup
}

// New creates a Slack bot from its configuration.
func New(cfg config.SlackConfig, handler Handler) *Bot {
	return &Bot{
		api:     NewAPI(nil, cfg.BaseURL, cfg.BotToken, cfg.AppToken),
		handler: handler,
		log:     logger.Component("slack"),
	}
}

// API exposes the Web API client.
func (b *Bot) API() *API { return b.api }

// Run connects and consumes events until ctx is cancelled. Every disconnect
// or read error triggers a reconnect with exponential backoff.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()

	if id, err := b.api.AuthTest(ctx); err != nil {
		b.log.Warn("auth.test failed; bot self-detection relies on bot_id only", "error", err)
	} else {
		b.botUserID = id
	}
	b.log.Info("slack bot starting", "bot_user_id", b.botUserID)

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			b.log.Info("slack bot stopped")
			return nil
		}
		conn, err := b.api.ConnectSocket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Warn("socket connect failed", "error", err, "retry_in", backoff.String())
			if sleepWithContext(ctx, backoff) != nil {
				return nil
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		b.log.Info("socket connected")
		backoff = minBackoff

		err = b.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			b.log.Info("slack bot stopped")
			return nil
		}
		b.log.Warn("socket closed; reconnecting", "error", err, "retry_in", backoff.String())
		if sleepWithContext(ctx, backoff) != nil {
			return nil
		}
	}
}

var errDisconnect = errors.New("slack requested disconnect")

// consume reads frames until the connection breaks. The read loop is the only
// writer on conn, so acks need no lock.
func (b *Bot) consume(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": env.EnvelopeID}); err != nil {
				return fmt.Errorf("ack envelope: %w", err)
			}
		}
		switch env.Type {
		case "hello":
			b.log.Debug("socket hello")
		case "disconnect":
			b.log.Info("socket disconnect requested", "reason", env.Reason)
			return errDisconnect
		case "events_api":
			ev, ok, err := parseEvent(env.Payload, b.botUserID)
			if err != nil {
				b.log.Warn("malformed events_api payload", "envelope_id", env.EnvelopeID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			b.dispatch(ctx, ev)
		default:
			b.log.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, ev router.InboundEvent) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if !ev.FromBot && ev.Subtype == "" && ev.User.ID != "" {
			ev.User.Name = b.userName(ctx, ev.User.ID)
		}
		res := b.handler.Handle(ctx, ev)
		b.log.Debug("event handled", "event_id", ev.ID, "state", res.State, "stage", res.Stage)
	}()
}

func (b *Bot) userName(ctx context.Context, userID string) string {
	if v, ok := b.names.Load(userID); ok {
		return v.(string)
	}
	name, err := b.api.UserName(ctx, userID)
	if err != nil {
		b.log.Debug("users.info failed", "user", userID, "error", err)
		return ""
	}
	b.names.Store(userID, name)
	return name
}

// Post implements router.Poster.
func (b *Bot) Post(ctx context.Context, reply router.OutboundReply) error {
	channel, thread := reply.Destination.ChannelID, reply.Destination.ThreadID
	if reply.Direct {
		id, err := b.api.OpenDM(ctx, reply.Recipient)
		if err != nil {
			return fmt.Errorf("open dm with %s: %w", reply.Recipient, err)
		}
		channel, thread = id, ""
	}
	return b.api.PostMessage(ctx, channel, reply.Text, thread)
}

// Locate implements media.Locator: Slack private file URLs need the bot token.
func (b *Bot) Locate(_ context.Context, ref media.Ref) (media.Location, error) {
	if ref.URL == "" {
		return media.Location{}, fmt.Errorf("slack file %s has no download url", ref.FileID)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+b.api.botToken)
	return media.Location{URL: ref.URL, Header: h}, nil
}
