package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","name":"Alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.Name != "Alice" {
		t.Errorf("expected name %q, got %q", "Alice", jm.Name)
	}
}

func TestParseClientMessage_JoinNameTooLong(t *testing.T) {
	long := strings.Repeat("é", MaxNameRunes+1)
	input := []byte(`{"type":"join","name":"` + long + `"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for an oversized name, got nil")
	}
	if msgType != TypeJoin {
		t.Errorf("expected returned type %q, got %q", TypeJoin, msgType)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

func TestParseClientMessage_JoinNameAtLimit(t *testing.T) {
	name := strings.Repeat("é", MaxNameRunes)
	input := []byte(`{"type":"join","name":"` + name + `"}`)

	if _, _, err := ParseClientMessage(input); err != nil {
		t.Fatalf("a %d-rune name should be accepted: %v", MaxNameRunes, err)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a chat_send message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatSend(t *testing.T) {
	input := []byte(`{"type":"chat_send","text":"Hello!","kind":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeChatSend {
		t.Fatalf("expected type %q, got %q", TypeChatSend, msgType)
	}

	cm, ok := msg.(ChatSendMsg)
	if !ok {
		t.Fatalf("expected ChatSendMsg, got %T", msg)
	}
	if cm.Text != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", cm.Text)
	}
	if cm.Kind != KindText {
		t.Errorf("expected kind %q, got %q", KindText, cm.Kind)
	}
}

func TestParseClientMessage_ChatSendKinds(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"omitted kind", `{"type":"chat_send","text":"hi"}`, false},
		{"system kind", `{"type":"chat_send","text":"hi","kind":"system"}`, false},
		{"unknown kind", `{"type":"chat_send","text":"hi","kind":"image"}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tc.input))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseClientMessage(%s) err = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestParseClientMessage_PingClientTime(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"ping","client_time":1700000000000}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pm, ok := msg.(PingMsg)
	if !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
	if pm.ClientTime != 1700000000000 {
		t.Errorf("expected client_time 1700000000000, got %d", pm.ClientTime)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a roster_update server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_RosterUpdate(t *testing.T) {
	joined := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	payload := RosterUpdateMsg{
		Connections: []RosterEntry{
			{ID: "c1", Name: "Alice", JoinedAt: joined},
			{ID: "c2", Name: "Bob", JoinedAt: joined},
		},
		Count: 2,
	}

	data, err := NewServerMessage(TypeRosterUpdate, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeRosterUpdate {
		t.Errorf("expected type %q, got %v", TypeRosterUpdate, result["type"])
	}

	conns, ok := result["connections"].([]interface{})
	if !ok {
		t.Fatalf("expected connections to be an array, got %T", result["connections"])
	}
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
	first, ok := conns[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected connection entry to be an object, got %T", conns[0])
	}
	if first["name"] != "Alice" {
		t.Errorf("expected first name %q, got %v", "Alice", first["name"])
	}

	count, ok := result["count"].(float64)
	if !ok {
		t.Fatalf("expected count to be a number, got %T", result["count"])
	}
	if int(count) != 2 {
		t.Errorf("expected count 2, got %v", count)
	}
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypeTypingUpdate, TypingUpdateMsg{
		Type:         "bogus",
		ConnectionID: "c1",
		Name:         "Alice",
		IsTyping:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded TypingUpdateMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeTypingUpdate {
		t.Errorf("type mismatch: expected %q, got %q", TypeTypingUpdate, decoded.Type)
	}
	if !decoded.IsTyping || decoded.Name != "Alice" || decoded.ConnectionID != "c1" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestNewServerMessage_HistoryPreservesOrder(t *testing.T) {
	sent := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	original := HistorySnapshotMsg{Messages: []ChatMessage{
		{ID: "m1", AuthorID: "c1", AuthorName: "Alice", Text: "one", Kind: KindText, SentAt: sent},
		{ID: "m2", AuthorID: "c2", AuthorName: "Bob", Text: "two", Kind: KindText, SentAt: sent.Add(time.Second)},
	}}

	data, err := NewServerMessage(TypeHistorySnapshot, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded HistorySnapshotMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(decoded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(decoded.Messages))
	}
	for i := range original.Messages {
		if decoded.Messages[i] != original.Messages[i] {
			t.Errorf("message[%d] mismatch: expected %+v, got %+v", i, original.Messages[i], decoded.Messages[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"find_match","interests":["music"]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "find_match" {
		t.Errorf("expected returned type %q, got %q", "find_match", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"new_message"}`)); err == nil {
		t.Fatal("expected an error for a server-only message type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"name":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"join","name":"Bob"}`, TypeJoin},
		{"join without name", `{"type":"join"}`, TypeJoin},
		{"chat_send", `{"type":"chat_send","text":"hi"}`, TypeChatSend},
		{"typing_start", `{"type":"typing_start"}`, TypeTypingStart},
		{"typing_stop", `{"type":"typing_stop"}`, TypeTypingStop},
		{"leave", `{"type":"leave"}`, TypeLeave},
		{"server_status", `{"type":"server_status"}`, TypeServerStatus},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

func TestParseClientMessage_ErrorKinds(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"malformed", `{nope`, ErrMalformed},
		{"missing type", `{"text":"hi"}`, ErrMalformed},
		{"unknown type", `{"type":"dance"}`, ErrUnknownType},
		{"invalid payload", `{"type":"chat_send","text":42}`, ErrInvalid},
		{"invalid kind", `{"type":"chat_send","text":"hi","kind":"image"}`, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tt.input))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
