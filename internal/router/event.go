package router

import (
	"context"

	"github.com/naehrwerk/naehrwerk-bot/internal/history"
	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/store"
)

// User is the author of an inbound event.
type User struct {
	ID   string
	Name string
}

// Destination addresses a conversation on a platform. An empty ChannelID means
// there is no channel context and replies go to the author directly.
type Destination struct {
	ChannelID string
	ThreadID  string
	ReplyTo   string
}

// InboundEvent is a platform message normalized by a channel adapter.
type InboundEvent struct {
	ID          string
	Channel     string
	User        User
	Destination Destination
	Text        string
	Media       *media.Ref
	FromBot     bool
	Subtype     string
}

// Identity returns the channel-qualified key of the event author.
func (e InboundEvent) Identity() history.Identity {
	return history.NewIdentity(e.Channel, e.User.ID)
}

// OutboundReply is a message for a channel adapter to deliver. When Direct is
// set the adapter opens a direct conversation with Recipient.
type OutboundReply struct {
	Channel     string
	Destination Destination
	Recipient   string
	Direct      bool
	Text        string
}

// Poster delivers replies for one channel.
type Poster interface {
	Post(ctx context.Context, reply OutboundReply) error
}

// Conversations is the subset of the conversation store the router drives.
type Conversations interface {
	Append(ctx context.Context, identity history.Identity, turn history.Turn) error
	History(identity history.Identity) []history.Turn
}

// Completer produces the agent's reply for a full history.
type Completer interface {
	Complete(ctx context.Context, turns []history.Turn) (string, error)
}

// Fetcher retrieves media referenced by an event.
type Fetcher interface {
	Fetch(ctx context.Context, ref media.Ref) (media.Media, error)
}

// MealLogger persists meals identified in image exchanges.
type MealLogger interface {
	LogMeal(ctx context.Context, rec store.MealRecord) (store.Meal, error)
}
