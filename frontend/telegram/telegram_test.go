package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nevindra/banter"
)

// withTestAPI points the package at a local server for the duration of a test.
// The server sees paths like "/TOKEN/methodName".
func withTestAPI(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	old := apiBaseURL
	apiBaseURL = srv.URL + "/"
	t.Cleanup(func() {
		apiBaseURL = old
		srv.Close()
	})
}

func apiMethod(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	return parts[len(parts)-1]
}

func TestPollDeliversMessages(t *testing.T) {
	served := false
	withTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch apiMethod(r) {
		case "getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":999,"is_bot":true,"first_name":"banter"}}`)
		case "getUpdates":
			if served {
				// Block-free empty response after the first batch.
				fmt.Fprint(w, `{"ok":true,"result":[]}`)
				return
			}
			served = true
			fmt.Fprint(w, `{"ok":true,"result":[
				{"update_id":1,"message":{
					"message_id":10,"date":1700000000,
					"chat":{"id":-100},
					"from":{"id":5,"first_name":"Olena","username":"olena"},
					"text":"hello"}},
				{"update_id":2,"message":{
					"message_id":11,"date":1700000001,
					"chat":{"id":-100},
					"from":{"id":999,"is_bot":true,"first_name":"banter"},
					"text":"hi!",
					"reply_to_message":{"message_id":10,"chat":{"id":-100}}}}
			]}`)
		default:
			t.Errorf("unexpected method %s", apiMethod(r))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBot("TOKEN")
	ch, err := b.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if b.BotUserID() != 999 {
		t.Errorf("BotUserID = %d, want 999", b.BotUserID())
	}

	first := <-ch
	if first.ID != 10 || first.ChatID != -100 || first.UserID != 5 {
		t.Errorf("first = %+v", first)
	}
	if first.AuthorName != "olena" {
		t.Errorf("author = %q", first.AuthorName)
	}
	if first.IsFromSelf {
		t.Error("first message must not be from self")
	}

	second := <-ch
	if !second.IsFromSelf {
		t.Error("bot's own message must be flagged IsFromSelf")
	}
	if second.ReplyToID != 10 {
		t.Errorf("reply-to = %d, want 10", second.ReplyToID)
	}
}

func TestSendWithReply(t *testing.T) {
	var gotBody map[string]any
	withTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if apiMethod(r) != "sendMessage" {
			t.Errorf("method = %s", apiMethod(r))
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":77,"chat":{"id":-100}}}`)
	})

	b := NewBot("TOKEN")
	id, err := b.Send(context.Background(), banter.OutgoingMessage{
		ChatID:    -100,
		Text:      "**bold** reply",
		ReplyToID: 10,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 77 {
		t.Errorf("message id = %d, want 77", id)
	}
	if gotBody["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %v", gotBody["parse_mode"])
	}
	if !strings.Contains(gotBody["text"].(string), "<b>bold</b>") {
		t.Errorf("text = %v", gotBody["text"])
	}
	rp, ok := gotBody["reply_parameters"].(map[string]any)
	if !ok || rp["message_id"].(float64) != 10 {
		t.Errorf("reply_parameters = %v", gotBody["reply_parameters"])
	}
}

func TestSendFallsBackOnParseError(t *testing.T) {
	var calls int
	withTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, hasParseMode := body["parse_mode"]; hasParseMode {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":5,"chat":{"id":1}}}`)
	})

	b := NewBot("TOKEN")
	id, err := b.Send(context.Background(), banter.OutgoingMessage{ChatID: 1, Text: "plain"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 5 || calls != 2 {
		t.Errorf("id = %d, calls = %d", id, calls)
	}
}

func TestSendTyping(t *testing.T) {
	withTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if apiMethod(r) != "sendChatAction" {
			t.Errorf("method = %s", apiMethod(r))
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "typing" {
			t.Errorf("action = %v", body["action"])
		}
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	})

	b := NewBot("TOKEN")
	if err := b.SendTyping(context.Background(), 1); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
}

func TestSplitMessageChunkBounds(t *testing.T) {
	if got := splitMessage("short"); len(got) != 1 {
		t.Fatalf("short text split into %d chunks", len(got))
	}

	// Two lines, each just under the limit, joined by a newline.
	line := strings.Repeat("a", maxMessageLength-1)
	text := line + "\n" + line
	chunks := splitMessage(text)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > maxMessageLength {
			t.Errorf("chunk %d is %d chars", i, len(c))
		}
	}

	// One unbroken run splits at the hard limit.
	chunks = splitMessage(strings.Repeat("b", maxMessageLength+10))
	if len(chunks) != 2 || len(chunks[0]) != maxMessageLength {
		t.Errorf("hard split = %d chunks, first %d chars", len(chunks), len(chunks[0]))
	}
}

func TestMapToIncomingCaptionAndMedia(t *testing.T) {
	b := NewBot("TOKEN")
	b.botUserID = 999

	msg := b.mapToIncoming(&Message{
		MessageID: 3,
		Chat:      Chat{ID: -5},
		From:      &User{ID: 7, FirstName: "Ira"},
		Caption:   "look at this",
		Photo:     []PhotoSize{{FileID: "ph1"}, {FileID: "ph2"}},
		Document:  &Document{FileID: "doc1"},
	})
	if msg.Text != "look at this" {
		t.Errorf("caption fallback text = %q", msg.Text)
	}
	if msg.AuthorName != "Ira" {
		t.Errorf("author falls back to first name, got %q", msg.AuthorName)
	}
	if len(msg.MediaRefs) != 3 {
		t.Errorf("media refs = %v", msg.MediaRefs)
	}
}
