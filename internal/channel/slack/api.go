// Package slack connects the router to Slack through Socket Mode and the Web API.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL  = "https://slack.com/api"
	maxPostAttempts = 3
)

// API is a minimal Slack Web API client.
type API struct {
	http     *http.Client
	baseURL  string
	botToken string
	appToken string
	dialer   websocket.Dialer
}

// NewAPI creates a client. A nil httpClient gets a 30s timeout.
func NewAPI(httpClient *http.Client, baseURL, botToken, appToken string) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimSpace(strings.TrimRight(baseURL, "/"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &API{
		http:     httpClient,
		baseURL:  baseURL,
		botToken: strings.TrimSpace(botToken),
		appToken: strings.TrimSpace(appToken),
		dialer:   *websocket.DefaultDialer,
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r apiResponse) err(method string) error {
	if r.OK {
		return nil
	}
	code := strings.TrimSpace(r.Error)
	if code == "" {
		code = "unknown_error"
	}
	return fmt.Errorf("slack %s failed: %s", method, code)
}

// AuthTest returns the bot's own user ID.
func (api *API) AuthTest(ctx context.Context) (string, error) {
	var out struct {
		apiResponse
		UserID string `json:"user_id"`
	}
	if err := api.call(ctx, api.botToken, "auth.test", nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.UserID), nil
}

// OpenSocketURL requests a fresh Socket Mode websocket URL.
func (api *API) OpenSocketURL(ctx context.Context) (string, error) {
	var out struct {
		apiResponse
		URL string `json:"url"`
	}
	if err := api.call(ctx, api.appToken, "apps.connections.open", nil, &out); err != nil {
		return "", err
	}
	wsURL := strings.TrimSpace(out.URL)
	if wsURL == "" {
		return "", fmt.Errorf("slack apps.connections.open returned empty url")
	}
	return wsURL, nil
}

// ConnectSocket opens a Socket Mode connection.
func (api *API) ConnectSocket(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := api.OpenSocketURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := api.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial slack socket: %w", err)
	}
	return conn, nil
}

// OpenDM returns the ID of the direct-message channel with userID.
func (api *API) OpenDM(ctx context.Context, userID string) (string, error) {
	var out struct {
		apiResponse
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := api.call(ctx, api.botToken, "conversations.open", map[string]string{"users": userID}, &out); err != nil {
		return "", err
	}
	if out.Channel.ID == "" {
		return "", fmt.Errorf("slack conversations.open returned no channel")
	}
	return out.Channel.ID, nil
}

// UserName returns the display name of userID, falling back to the real name.
func (api *API) UserName(ctx context.Context, userID string) (string, error) {
	var out struct {
		apiResponse
		User struct {
			Name     string `json:"name"`
			RealName string `json:"real_name"`
			Profile  struct {
				DisplayName string `json:"display_name"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := api.callForm(ctx, api.botToken, "users.info", url.Values{"user": {userID}}, &out); err != nil {
		return "", err
	}
	for _, n := range []string{out.User.Profile.DisplayName, out.User.RealName, out.User.Name} {
		if n = strings.TrimSpace(n); n != "" {
			return n, nil
		}
	}
	return "", nil
}

// PostMessage sends text to channelID, threaded under threadTS when set.
// 429 and 5xx responses are retried a bounded number of times.
func (api *API) PostMessage(ctx context.Context, channelID, text, threadTS string) error {
	channelID = strings.TrimSpace(channelID)
	text = strings.TrimSpace(text)
	if channelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if text == "" {
		return fmt.Errorf("text is required")
	}
	payload := struct {
		Channel  string `json:"channel"`
		Text     string `json:"text"`
		ThreadTS string `json:"thread_ts,omitempty"`
	}{channelID, text, strings.TrimSpace(threadTS)}

	var lastErr error
	for attempt := 1; attempt <= maxPostAttempts; attempt++ {
		raw, status, headers, err := api.postJSON(ctx, api.botToken, "chat.postMessage", payload)
		if err != nil {
			// The request may have reached Slack; resending could post twice.
			return err
		}
		var out apiResponse
		switch {
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("slack chat.postMessage http %d", status)
		case json.Unmarshal(raw, &out) != nil:
			lastErr = fmt.Errorf("slack chat.postMessage: malformed response")
		default:
			if lastErr = out.err("chat.postMessage"); lastErr == nil {
				return nil
			}
		}
		if attempt == maxPostAttempts {
			break
		}
		wait, retryable := retryDelay(status, headers, attempt)
		if !retryable {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func retryDelay(status int, headers http.Header, attempt int) (time.Duration, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		secs, err := strconv.Atoi(strings.TrimSpace(headers.Get("Retry-After")))
		if err != nil || secs <= 0 {
			return time.Second, true
		}
		return time.Duration(secs) * time.Second, true
	case status >= 500 && status <= 599:
		switch attempt {
		case 1:
			return 300 * time.Millisecond, true
		default:
			return time.Second, true
		}
	default:
		return 0, false
	}
}

func (api *API) call(ctx context.Context, token, method string, payload, out any) error {
	raw, status, _, err := api.postJSON(ctx, token, method, payload)
	if err != nil {
		return err
	}
	return decode(method, raw, status, out)
}

func (api *API) callForm(ctx context.Context, token, method string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.baseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	raw, status, _, err := api.do(req)
	if err != nil {
		return err
	}
	return decode(method, raw, status, out)
}

type okChecker interface{ err(method string) error }

func decode(method string, raw []byte, status int, out any) error {
	if status < 200 || status >= 300 {
		return fmt.Errorf("slack %s http %d", method, status)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode slack %s: %w", method, err)
	}
	if c, ok := out.(okChecker); ok {
		return c.err(method)
	}
	return nil
}

func (api *API) postJSON(ctx context.Context, token, method string, payload any) ([]byte, int, http.Header, error) {
	if strings.TrimSpace(token) == "" {
		return nil, 0, nil, fmt.Errorf("slack token is required")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api.baseURL+"/"+method, body)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return api.do(req)
}

func (api *API) do(req *http.Request) ([]byte, int, http.Header, error) {
	resp, err := api.http.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, err
	}
	return raw, resp.StatusCode, resp.Header, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
