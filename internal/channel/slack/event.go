package slack

import (
	"encoding/json"
	"strings"

	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/router"
)

// ChannelName qualifies Slack identities and registers the poster and locator.
const ChannelName = "slack"

// envelope is one Socket Mode frame.
type envelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventsAPIPayload struct {
	Type  string       `json:"type"`
	Event messageEvent `json:"event"`
}

type messageEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	Files       []file `json:"files,omitempty"`
}

type file struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

// parseEvent turns an events_api payload into an inbound event. ok is false
// for event types the bot does not answer.
func parseEvent(raw json.RawMessage, botUserID string) (router.InboundEvent, bool, error) {
	var p eventsAPIPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return router.InboundEvent{}, false, err
	}
	ev := p.Event
	if p.Type != "event_callback" || (ev.Type != "message" && ev.Type != "app_mention") {
		return router.InboundEvent{}, false, nil
	}

	subtype := ev.Subtype
	if subtype == "file_share" {
		subtype = ""
	}
	thread := ev.ThreadTS
	if thread == "" {
		thread = ev.TS
	}
	in := router.InboundEvent{
		ID:      ev.Channel + ":" + ev.TS,
		Channel: ChannelName,
		User:    router.User{ID: ev.User},
		Destination: router.Destination{
			ChannelID: ev.Channel,
			ThreadID:  thread,
		},
		Text:    ev.Text,
		FromBot: ev.BotID != "" || (botUserID != "" && ev.User == botUserID),
		Subtype: subtype,
	}
	if len(ev.Files) > 0 {
		f := ev.Files[0]
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		in.Media = &media.Ref{
			Channel:   ChannelName,
			FileID:    f.ID,
			URL:       url,
			MediaType: strings.TrimSpace(f.Mimetype),
			Name:      f.Name,
		}
	}
	return in, true, nil
}
