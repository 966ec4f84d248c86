package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naehrwerk/naehrwerk-bot/internal/config"
	"github.com/naehrwerk/naehrwerk-bot/internal/media"
	"github.com/naehrwerk/naehrwerk-bot/internal/router"
)

type botStub struct {
	mu      sync.Mutex
	sent    []sendMessageRequest
	updates []update
	served  bool
}

func (s *botStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /botTOKEN/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		s.sent = append(s.sent, req)
		s.mu.Unlock()
		if req.ChatID == 404 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	})
	mux.HandleFunc("GET /botTOKEN/getFile", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("file_id") == "missing" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: invalid file_id"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"file_path":"photos/file_1.jpg"}}`))
	})
	mux.HandleFunc("GET /botTOKEN/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var result []update
		if !s.served {
			result = s.updates
			s.served = true
		}
		s.mu.Unlock()
		if result == nil {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
		}
		raw, _ := json.Marshal(result)
		_, _ = w.Write([]byte(`{"ok":true,"result":` + string(raw) + `}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (s *botStub) recorded() []sendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendMessageRequest(nil), s.sent...)
}

func newTestBot(t *testing.T, stub *botStub, h Handler) *Bot {
	srv := stub.server(t)
	return New(config.TelegramConfig{Token: "TOKEN", BaseURL: srv.URL, PollTimeout: time.Second}, h)
}

func TestParseMessage_Text(t *testing.T) {
	ev, ok := parseMessage(&message{
		MessageID: 7,
		Chat:      &chat{ID: -100, Type: "group"},
		From:      &user{ID: 42, FirstName: "Anna", LastName: "Schmidt"},
		Text:      "Was esse ich heute?",
	})
	require.True(t, ok)
	assert.Equal(t, "-100:7", ev.ID)
	assert.Equal(t, "telegram:42", string(ev.Identity()))
	assert.Equal(t, "Anna Schmidt", ev.User.Name)
	assert.Equal(t, router.Destination{ChannelID: "-100", ReplyTo: "7"}, ev.Destination)
	assert.Nil(t, ev.Media)
}

func TestParseMessage_PhotoUsesLargestAndCaption(t *testing.T) {
	ev, ok := parseMessage(&message{
		MessageID: 8,
		Chat:      &chat{ID: 42, Type: "private"},
		From:      &user{ID: 42, Username: "anna"},
		Caption:   "Frühstück",
		Photo: []photoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "big", Width: 1280, Height: 960},
			{FileID: "mid", Width: 320, Height: 240},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "Frühstück", ev.Text)
	assert.Equal(t, "@anna", ev.User.Name)
	require.NotNil(t, ev.Media)
	assert.Equal(t, media.Ref{Channel: "telegram", FileID: "big", MediaType: "image/jpeg"}, *ev.Media)
}

func TestParseMessage_DocumentAndTopics(t *testing.T) {
	ev, ok := parseMessage(&message{
		MessageID:       9,
		MessageThreadID: 3,
		IsTopicMessage:  true,
		Chat:            &chat{ID: -5},
		From:            &user{ID: 1, IsBot: true},
		Document:        &document{FileID: "doc", FileName: "plan.pdf", MimeType: "application/pdf"},
	})
	require.True(t, ok)
	assert.True(t, ev.FromBot)
	assert.Equal(t, "3", ev.Destination.ThreadID)
	require.NotNil(t, ev.Media)
	assert.Equal(t, "application/pdf", ev.Media.MediaType)

	_, ok = parseMessage(&message{Chat: &chat{ID: 1}})
	assert.False(t, ok)
}

func TestCommand(t *testing.T) {
	for in, want := range map[string]string{
		"/start":                "start",
		"/help@naehrwerk_bot":   "help",
		"/Help bitte":           "help",
		"/unbekannt mit params": "unbekannt",
	} {
		got, ok := command(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := command("hallo /start")
	assert.False(t, ok)
}

func TestPost_ReplyAndDirect(t *testing.T) {
	stub := &botStub{}
	b := newTestBot(t, stub, nil)
	ctx := context.Background()

	require.NoError(t, b.Post(ctx, router.OutboundReply{
		Destination: router.Destination{ChannelID: "-100", ReplyTo: "7", ThreadID: "3"},
		Text:        "Antwort",
	}))
	require.NoError(t, b.Post(ctx, router.OutboundReply{Direct: true, Recipient: "42", Text: "privat"}))

	sent := stub.recorded()
	require.Len(t, sent, 2)
	assert.Equal(t, sendMessageRequest{ChatID: -100, Text: "Antwort", ReplyToMessageID: 7, MessageThreadID: 3}, sent[0])
	assert.Equal(t, sendMessageRequest{ChatID: 42, Text: "privat"}, sent[1])
}

func TestPost_Errors(t *testing.T) {
	stub := &botStub{}
	b := newTestBot(t, stub, nil)

	err := b.Post(context.Background(), router.OutboundReply{Destination: router.Destination{ChannelID: "404"}, Text: "x"})
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Contains(t, reqErr.Error(), "chat not found")

	assert.Error(t, b.Post(context.Background(), router.OutboundReply{Destination: router.Destination{ChannelID: "abc"}, Text: "x"}))
}

func TestSendMessage_ChunksLongText(t *testing.T) {
	stub := &botStub{}
	b := newTestBot(t, stub, nil)

	long := strings.Repeat("ä", maxChunk) // two bytes per rune
	require.NoError(t, b.api.sendMessage(context.Background(), sendMessageRequest{ChatID: 1, Text: long, ReplyToMessageID: 5}))

	sent := stub.recorded()
	require.Len(t, sent, 2)
	assert.Equal(t, int64(5), sent[0].ReplyToMessageID)
	assert.Zero(t, sent[1].ReplyToMessageID)
	assert.Equal(t, long, sent[0].Text+sent[1].Text)
}

func TestLocate(t *testing.T) {
	stub := &botStub{}
	b := newTestBot(t, stub, nil)

	loc, err := b.Locate(context.Background(), media.Ref{FileID: "big"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc.URL, "/file/botTOKEN/photos/file_1.jpg"), loc.URL)

	_, err = b.Locate(context.Background(), media.Ref{FileID: "missing"})
	assert.Error(t, err)
}

type recordingHandler struct {
	events chan router.InboundEvent
}

func (h *recordingHandler) Handle(_ context.Context, ev router.InboundEvent) router.Result {
	h.events <- ev
	return router.Result{State: router.StateDelivered}
}

func TestRun_RoutesMessagesAndAnswersCommands(t *testing.T) {
	stub := &botStub{updates: []update{
		{UpdateID: 10, Message: &message{MessageID: 1, Chat: &chat{ID: 42}, From: &user{ID: 42}, Text: "/start"}},
		{UpdateID: 11, Message: &message{MessageID: 2, Chat: &chat{ID: 42}, From: &user{ID: 42}, Text: "/settings"}},
		{UpdateID: 12, Message: &message{MessageID: 3, Chat: &chat{ID: 42}, From: &user{ID: 42}, Text: "Hallo"}},
	}}
	h := &recordingHandler{events: make(chan router.InboundEvent, 4)}
	b := newTestBot(t, stub, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case ev := <-h.events:
		assert.Equal(t, "Hallo", ev.Text)
		assert.Equal(t, "42:3", ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not routed")
	}
	require.Eventually(t, func() bool { return len(stub.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	sent := stub.recorded()
	require.Len(t, sent, 1)
	assert.Equal(t, startText, sent[0].Text)
	assert.Equal(t, int64(1), sent[0].ReplyToMessageID)
	assert.Len(t, h.events, 0)
}
