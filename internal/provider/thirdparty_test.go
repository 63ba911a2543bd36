package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dmrelay/internal/bus"
)

func TestParseThirdParty(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		enveloped bool
		ok        bool
		conv      string
		nick      string
		username  string
		text      string
	}{
		{
			name:      "message created",
			body:      `{"event":"message.created","data":{"conversationId":"conv-1","contact":{"id":5,"firstName":"Ana","lastName":"Lee","phone":"+66"},"message":{"type":"text","text":"hi"}}}`,
			enveloped: true,
			ok:        true, conv: "conv-1", nick: "Ana Lee", username: "+66", text: "hi",
		},
		{
			name:      "content as string",
			body:      `{"event":"message.created","data":{"contact":{"_id":9,"name":"Bo"},"content":"plain"}}`,
			enveloped: true,
			ok:        true, conv: "9", nick: "Bo", username: "Bo", text: "plain",
		},
		{
			name:      "data message without event",
			body:      `{"data":{"contact":{"id":"c2"},"message":{"text":"no event"}}}`,
			enveloped: true,
			ok:        true, conv: "c2", text: "no event",
		},
		{
			name:      "bare message rejected when enveloped",
			body:      `{"contact":{"id":"c3"},"message":{"content":"bare"}}`,
			enveloped: true,
			ok:        false,
		},
		{
			name:      "bare message with created event",
			body:      `{"event":"message.created","contact":{"id":"c3"},"message":{"content":"bare"}}`,
			enveloped: true,
			ok:        true, conv: "c3", text: "bare",
		},
		{
			name: "bare message accepted when not enveloped",
			body: `{"contact":{"id":"c3"},"message":{"content":"bare"}}`,
			ok:   true, conv: "c3", text: "bare",
		},
		{
			name:      "event without message",
			body:      `{"event":"contact.updated","data":{"contact":{"id":"c4"}}}`,
			enveloped: true,
			ok:        false,
		},
		{
			name:      "nothing identifiable",
			body:      `{"event":"message.created","data":{}}`,
			enveloped: true,
			ok:        true, conv: "unknown",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, ok, err := parseThirdParty([]byte(tc.body), tc.enveloped)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if !ok {
				return
			}
			if raw.ConversationID != tc.conv || raw.User.Nickname != tc.nick ||
				raw.User.Username != tc.username || raw.Message.Text != tc.text {
				t.Fatalf("unexpected raw event %+v", raw)
			}
		})
	}
}

func TestThirdParty_HandshakeAlwaysSucceeds(t *testing.T) {
	p := NewThirdParty(ThirdPartyConfig{Hub: bus.New(testLogger()), Logger: testLogger()})
	rw := httptest.NewRecorder()
	p.VerifyInboundChallenge(rw, httptest.NewRequest(http.MethodGet, "/webhook?verify_token=whatever", nil))
	if rw.Code != http.StatusOK || rw.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rw.Code, rw.Body.String())
	}
}

func TestThirdParty_IngestChecksSignatureHeader(t *testing.T) {
	hub := bus.New(testLogger())
	rec := newRecorder(hub)
	p := NewThirdParty(ThirdPartyConfig{WebhookSecret: "s", AccountID: "a1", Hub: hub, Logger: testLogger()})

	body := `{"event":"message.created","data":{"contact":{"id":"c1"},"message":{"text":"yo"}}}`

	bad := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	bad.Header.Set("X-Respond-Signature", "deadbeef")
	rw := httptest.NewRecorder()
	p.IngestInbound(rw, bad)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rw.Code)
	}

	good := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	good.Header.Set("X-Respond-Signature", Sign([]byte(body), "s"))
	rw = httptest.NewRecorder()
	p.IngestInbound(rw, good)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}

	if in, _ := rec.counts(); in != 1 {
		t.Fatalf("expected only the signed delivery published, got %d", in)
	}
	if ev := rec.lastIncoming(t); ev.AccountID != "a1" || ev.ConversationID != "c1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestThirdParty_SendMessage(t *testing.T) {
	var path, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var body struct {
			Message struct{ Type, Text string } `json:"message"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		text = body.Message.Text
		w.Write([]byte(`{"messageId":123456}`))
	}))
	defer srv.Close()

	p := NewThirdParty(ThirdPartyConfig{APIKey: "k", APIBase: srv.URL, Hub: bus.New(testLogger()), Logger: testLogger()})
	res, err := p.SendMessage(context.Background(), "c1", "reply")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/contact/c1/message" || text != "reply" {
		t.Fatalf("unexpected request path=%q text=%q", path, text)
	}
	if res.MessageID != "123456" {
		t.Fatalf("expected numeric id as string, got %q", res.MessageID)
	}
}
