// Package telegram implements the banter.Frontend interface for the Telegram
// Bot API using long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/banter"
)

const maxMessageLength = 4096

var apiBaseURL = "https://api.telegram.org/bot"

// Bot implements banter.Frontend for Telegram.
type Bot struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	botUserID  int64
}

var _ banter.Frontend = (*Bot)(nil)

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithHTTPClient sets a custom HTTP client. The default client has no
// timeout because getUpdates long-polls for 30 seconds.
func WithHTTPClient(c *http.Client) BotOption {
	return func(b *Bot) { b.httpClient = c }
}

// WithLogger sets a structured logger for poll errors.
func WithLogger(l *slog.Logger) BotOption {
	return func(b *Bot) { b.logger = l }
}

// NewBot creates a new Telegram bot with the given token. The bot's own user
// id is fetched from getMe on the first Poll call.
func NewBot(token string, opts ...BotOption) *Bot {
	b := &Bot{
		token:      token,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BotUserID returns the bot's own Telegram user id. Zero until Poll has
// completed the getMe handshake.
func (b *Bot) BotUserID() int64 { return b.botUserID }

// Poll identifies the bot via getMe, then starts long-polling for updates.
// The returned channel is closed when ctx is cancelled.
func (b *Bot) Poll(ctx context.Context) (<-chan banter.IncomingMessage, error) {
	var me User
	if err := b.callAPI(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}
	b.botUserID = me.ID

	ch := make(chan banter.IncomingMessage)
	go b.pollLoop(ctx, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, ch chan<- banter.IncomingMessage) {
	defer close(ch)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("telegram poll error", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := b.mapToIncoming(u.Message)
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Send delivers a message with HTML formatting. Text exceeding Telegram's
// 4096-char limit is split into multiple messages on line boundaries.
// Returns the message id of the last sent chunk.
func (b *Bot) Send(ctx context.Context, out banter.OutgoingMessage) (int64, error) {
	chunks := splitMessage(out.Text)

	var lastMsgID int64
	for i, chunk := range chunks {
		body := map[string]any{
			"chat_id":    out.ChatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		if out.ThreadID != 0 {
			body["message_thread_id"] = out.ThreadID
		}
		// Only the first chunk quotes the message being replied to.
		if i == 0 && out.ReplyToID != 0 {
			body["reply_parameters"] = map[string]any{
				"message_id":                  out.ReplyToID,
				"allow_sending_without_reply": true,
			}
		}

		var result Message
		err := b.callAPI(ctx, "sendMessage", body, &result)
		if err != nil && isParseError(err) {
			// HTML rejected: resend the raw text without parse_mode.
			body["text"] = chunk
			delete(body, "parse_mode")
			err = b.callAPI(ctx, "sendMessage", body, &result)
		}
		if err != nil {
			return 0, err
		}
		lastMsgID = result.MessageID
	}

	return lastMsgID, nil
}

// SendTyping shows a typing indicator. Best effort.
func (b *Bot) SendTyping(ctx context.Context, chatID int64) error {
	body := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	return b.callAPI(ctx, "sendChatAction", body, nil)
}

// DownloadFile downloads a file from Telegram.
// Two-step: getFile to obtain the file_path, then HTTP GET the file data.
func (b *Bot) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	reqBody := map[string]any{
		"file_id": fileID,
	}
	var file File
	if err := b.callAPI(ctx, "getFile", reqBody, &file); err != nil {
		return nil, "", err
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for file_id %s", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("telegram: download file HTTP %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file body: %w", err)
	}

	parts := strings.Split(file.FilePath, "/")
	filename := parts[len(parts)-1]

	return data, filename, nil
}

// callAPI posts JSON to a Telegram Bot API method and decodes the result.
func (b *Bot) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := apiBaseURL + b.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}

	if !envelope.OK {
		return &apiError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}

	return nil
}

// apiError represents a Telegram API error response.
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isParseError checks if the error is a Telegram entity-parsing rejection.
func isParseError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "can't parse entities")
}

// mapToIncoming converts a Telegram Message to a banter.IncomingMessage.
func (b *Bot) mapToIncoming(m *Message) banter.IncomingMessage {
	msg := banter.IncomingMessage{
		ID:        m.MessageID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.MessageThreadID,
		Text:      m.Text,
		Timestamp: m.Date,
	}

	if m.From != nil {
		msg.UserID = m.From.ID
		msg.AuthorName = m.From.Username
		if msg.AuthorName == "" {
			msg.AuthorName = m.From.FirstName
		}
		msg.IsFromSelf = m.From.ID == b.botUserID
	}

	if m.Caption != "" && msg.Text == "" {
		msg.Text = m.Caption
	}

	if m.Document != nil {
		msg.MediaRefs = append(msg.MediaRefs, m.Document.FileID)
	}
	for _, p := range m.Photo {
		msg.MediaRefs = append(msg.MediaRefs, p.FileID)
	}

	if m.ReplyToMessage != nil {
		msg.ReplyToID = m.ReplyToMessage.MessageID
	}

	return msg
}

// splitMessage splits text into chunks that fit within Telegram's 4096-char limit.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(splitAt, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++ // include the newline in the current chunk
		}

		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}

	return chunks
}
