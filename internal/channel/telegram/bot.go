package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/naehrwerk/naehrwerk-bot/internal/config"
	"github.com/naehrwerk/naehrwerk-bot/internal/logger"
	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/router"
)

// ChannelName qualifies Telegram identities and registers the poster and locator.
const ChannelName = "telegram"

const (
	startText = "Willkommen bei NährWerk 👋\n\n" +
		"Ich unterstütze dich bei Ernährung, Rezepten und deinem Coaching.\n\n" +
		"Nutze /help um alle verfügbaren Befehle zu sehen."

	helpText = "🔹 *Verfügbare Befehle:*\n\n" +
		"/start - Begrüßung und Einführung\n" +
		"/help - Diese Hilfe anzeigen\n\n" +
		"📝 *So nutzt du mich:*\n" +
		"• Schreibe mir deine Fragen zur Ernährung\n" +
		"• Lade ein Foto deines Essens hoch für eine Analyse\n" +
		"• Frage nach Rezeptvorschlägen\n\n" +
		"Ich bin für dich da! 💪"
)

// Handler consumes normalized events.
type Handler interface {
	Handle(ctx context.Context, ev router.InboundEvent) router.Result
}

// Bot long-polls getUpdates and delivers replies.
type Bot struct {
	api         *API
	handler     Handler
	pollTimeout time.Duration
	log         *slog.Logger
	wg          sync.WaitGroup
}

// New creates a Telegram bot from its configuration.
func New(cfg config.TelegramConfig, handler Handler) *Bot {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bot{
		api:         NewAPI(&http.Client{Timeout: timeout + 15*time.Second}, cfg.BaseURL, cfg.Token),
		handler:     handler,
		pollTimeout: timeout,
		log:         logger.Component("telegram"),
	}
}

// Run polls until ctx is cancelled. Each update is handled in its own goroutine.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()
	b.log.Info("telegram bot starting", "poll_timeout", b.pollTimeout.String())

	var offset int64
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			b.log.Info("telegram bot stopped")
			return nil
		}
		updates, next, err := b.api.getUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.log.Info("telegram bot stopped")
				return nil
			}
			if isPollTimeout(err) {
				continue
			}
			b.log.Warn("getUpdates failed", "error", err, "retry_in", backoff.String())
			if sleepWithContext(ctx, backoff) != nil {
				return nil
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second
		offset = next
		for _, u := range updates {
			if u.Message == nil {
				continue
			}
			msg := u.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(ctx, msg)
			}()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *message) {
	if msg.Chat == nil {
		return
	}
	if cmd, ok := command(msg.Text); ok {
		b.handleCommand(ctx, msg, cmd)
		return
	}
	ev, ok := parseMessage(msg)
	if !ok {
		return
	}
	res := b.handler.Handle(ctx, ev)
	b.log.Debug("update handled", "event_id", ev.ID, "state", res.State, "stage", res.Stage)
}

func (b *Bot) handleCommand(ctx context.Context, msg *message, cmd string) {
	var req sendMessageRequest
	switch cmd {
	case "start":
		req = sendMessageRequest{Text: startText}
	case "help":
		req = sendMessageRequest{Text: helpText, ParseMode: "Markdown"}
	default:
		b.log.Debug("ignoring command", "command", cmd)
		return
	}
	req.ChatID = msg.Chat.ID
	req.ReplyToMessageID = msg.MessageID
	if msg.IsTopicMessage {
		req.MessageThreadID = msg.MessageThreadID
	}
	if err := b.api.sendMessage(ctx, req); err != nil {
		b.log.Error("failed to answer command", "command", cmd, "error", err)
	}
}

// command extracts the bot command from text, e.g. "/help@naehrwerk_bot" gives "help".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text[1:], " ")
	word, _, _ = strings.Cut(word, "@")
	return strings.ToLower(word), true
}

// parseMessage normalizes a message. ok is false for messages without a chat
// or author.
func parseMessage(msg *message) (router.InboundEvent, bool) {
	if msg.Chat == nil || msg.From == nil {
		return router.InboundEvent{}, false
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	ev := router.InboundEvent{
		ID:      chatID + ":" + strconv.FormatInt(msg.MessageID, 10),
		Channel: ChannelName,
		User: router.User{
			ID:   strconv.FormatInt(msg.From.ID, 10),
			Name: msg.From.displayName(),
		},
		Destination: router.Destination{
			ChannelID: chatID,
			ReplyTo:   strconv.FormatInt(msg.MessageID, 10),
		},
		Text:    msg.Text,
		FromBot: msg.From.IsBot,
	}
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		ev.Destination.ThreadID = strconv.FormatInt(msg.MessageThreadID, 10)
	}

	switch {
	case len(msg.Photo) > 0:
		ev.Text = msg.Caption
		ev.Media = &media.Ref{Channel: ChannelName, FileID: largest(msg.Photo).FileID, MediaType: "image/jpeg"}
	case msg.Document != nil:
		ev.Text = msg.Caption
		mt := msg.Document.MimeType
		if mt == "" {
			mt = "application/octet-stream"
		}
		ev.Media = &media.Ref{Channel: ChannelName, FileID: msg.Document.FileID, MediaType: mt, Name: msg.Document.FileName}
	}
	return ev, true
}

func largest(sizes []photoSize) photoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height >= best.Width*best.Height {
			best = s
		}
	}
	return best
}

// Post implements router.Poster.
func (b *Bot) Post(ctx context.Context, reply router.OutboundReply) error {
	target := reply.Destination.ChannelID
	if reply.Direct {
		target = reply.Recipient
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", target, err)
	}
	req := sendMessageRequest{ChatID: chatID, Text: reply.Text}
	if !reply.Direct {
		req.ReplyToMessageID, _ = strconv.ParseInt(reply.Destination.ReplyTo, 10, 64)
		req.MessageThreadID, _ = strconv.ParseInt(reply.Destination.ThreadID, 10, 64)
	}
	return b.api.sendMessage(ctx, req)
}

// Locate implements media.Locator through getFile.
func (b *Bot) Locate(ctx context.Context, ref media.Ref) (media.Location, error) {
	path, err := b.api.FilePath(ctx, ref.FileID)
	if err != nil {
		return media.Location{}, err
	}
	return media.Location{URL: b.api.FileURL(path)}, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
