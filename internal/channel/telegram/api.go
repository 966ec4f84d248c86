// Package telegram connects the router to the Telegram Bot API by long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// API is a minimal Telegram Bot API client.
type API struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewAPI creates a client. A nil httpClient gets a 60s timeout, which must
// stay above the long-poll timeout.
func NewAPI(httpClient *http.Client, baseURL, token string) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &API{http: httpClient, baseURL: baseURL, token: strings.TrimSpace(token)}
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message,omitempty"`
}

type message struct {
	MessageID       int64       `json:"message_id"`
	MessageThreadID int64       `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool        `json:"is_topic_message,omitempty"`
	Chat            *chat       `json:"chat,omitempty"`
	From            *user       `json:"from,omitempty"`
	Text            string      `json:"text,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	Document        *document   `json:"document,omitempty"`
	Photo           []photoSize `json:"photo,omitempty"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (u *user) displayName() string {
	if u == nil {
		return ""
	}
	first, last := strings.TrimSpace(u.FirstName), strings.TrimSpace(u.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case u.Username != "":
		return "@" + u.Username
	default:
		return ""
	}
}

type document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type photoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// RequestError is a non-OK Bot API response.
type RequestError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *RequestError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s: http %d: %s", e.Method, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("telegram %s: http %d", e.Method, e.StatusCode)
}

type response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (api *API) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", api.baseURL, api.token, method)
}

func (api *API) do(req *http.Request, method string, out any) error {
	resp, err := api.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var r response
	_ = json.Unmarshal(raw, &r)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !r.OK {
		return &RequestError{Method: method, StatusCode: resp.StatusCode, Description: r.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("decode telegram %s: %w", method, err)
	}
	return nil
}

// getUpdates long-polls for updates at or after offset and returns the next offset.
func (api *API) getUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]update, int64, error) {
	secs := max(int(timeout.Seconds()), 1)
	q := url.Values{"timeout": {fmt.Sprint(secs)}, "allowed_updates": {`["message"]`}}
	if offset > 0 {
		q.Set("offset", fmt.Sprint(offset))
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second+5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, api.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, offset, err
	}
	var updates []update
	if err := api.do(req, "getUpdates", &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// FilePath resolves a file_id to its server path.
func (api *API) FilePath(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.methodURL("getFile")+"?file_id="+url.QueryEscape(fileID), nil)
	if err != nil {
		return "", err
	}
	var f struct {
		FilePath string `json:"file_path"`
	}
	if err := api.do(req, "getFile", &f); err != nil {
		return "", err
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("telegram getFile: missing file_path")
	}
	return f.FilePath, nil
}

// FileURL is the download URL of a resolved file path.
func (api *API) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", api.baseURL, api.token, strings.TrimLeft(filePath, "/"))
}

type sendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ParseMode        string `json:"parse_mode,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	MessageThreadID  int64  `json:"message_thread_id,omitempty"`
}

const maxChunk = 3500

// sendMessage sends text, split into chunks below Telegram's length limit.
// Only the first chunk is sent as a reply.
func (api *API) sendMessage(ctx context.Context, req sendMessageRequest) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return fmt.Errorf("text is required")
	}
	for first := true; text != ""; first = false {
		chunk := text
		if len(chunk) > maxChunk {
			chunk = cutAtRune(chunk, maxChunk)
		}
		r := req
		r.Text = chunk
		if !first {
			r.ReplyToMessageID = 0
		}
		if err := api.send(ctx, r); err != nil {
			return err
		}
		text = strings.TrimSpace(text[len(chunk):])
	}
	return nil
}

func (api *API) send(ctx context.Context, r sendMessageRequest) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return api.do(req, "sendMessage", nil)
}

// cutAtRune returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutAtRune(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func isPollTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
