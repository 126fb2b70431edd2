package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "request with id and payload",
			msg:  NewRequest("calc", "add", 1, json.RawMessage(`[2,3]`), nil),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"action":"request"`) {
					t.Error("missing action field")
				}
				if !strings.Contains(output, `"name":"calc"`) {
					t.Error("missing name field")
				}
				if !strings.Contains(output, `"id":1`) {
					t.Error("missing id field")
				}
				if !strings.Contains(output, `"payload":[2,3]`) {
					t.Error("missing payload field")
				}
			},
		},
		{
			name: "notification omits id",
			msg:  NewNotification("calc", "overflow", json.RawMessage(`{"at":9}`)),
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"id"`) {
					t.Error("notification must not carry an id")
				}
			},
		},
		{
			name:    "missing action",
			msg:     Message{Name: "calc"},
			wantErr: true,
		},
		{
			name:    "missing name",
			msg:     Message{Action: ActionRequest},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf strings.Builder
			err := Encode(&buf, tt.msg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, msg Message)
	}{
		{
			name:  "response echoes id",
			input: `{"action":"response","name":"calc","key":"add","id":1,"payload":5}`,
			checkFn: func(t *testing.T, msg Message) {
				if msg.Action != ActionResponse {
					t.Errorf("action = %q", msg.Action)
				}
				id, ok := msg.CorrelationID()
				if !ok || id != 1 {
					t.Errorf("correlation id = %d, %v", id, ok)
				}
				if string(msg.Payload) != "5" {
					t.Errorf("payload = %s", msg.Payload)
				}
			},
		},
		{
			name:  "unknown action survives decoding",
			input: `{"action":"frob","name":"calc"}`,
			checkFn: func(t *testing.T, msg Message) {
				if msg.Action != Action("frob") {
					t.Errorf("action = %q", msg.Action)
				}
			},
		},
		{
			name:  "request info forwarded verbatim",
			input: `{"action":"request","name":"calc","key":"add","id":7,"requestInfo":{"from":"tab-2"}}`,
			checkFn: func(t *testing.T, msg Message) {
				if string(msg.RequestInfo) != `{"from":"tab-2"}` {
					t.Errorf("requestInfo = %s", msg.RequestInfo)
				}
			},
		},
		{
			name:    "unknown field rejected",
			input:   `{"action":"request","name":"calc","bogus":true}`,
			wantErr: true,
		},
		{
			name:    "missing action rejected",
			input:   `{"name":"calc"}`,
			wantErr: true,
		},
		{
			name:    "missing name rejected",
			input:   `{"action":"request"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `not a message`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Unmarshal([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, msg)
			}
		})
	}
}

func TestRespondEchoesRequest(t *testing.T) {
	req := NewRequest("calc", "add", 42, json.RawMessage(`[2,3]`), nil)

	ok := Respond(req, json.RawMessage(`5`), "")
	if ok.Action != ActionResponse || ok.Name != "calc" || ok.Key != "add" {
		t.Fatalf("unexpected response envelope: %#v", ok)
	}
	if id, present := ok.CorrelationID(); !present || id != 42 {
		t.Fatalf("response must echo the request id, got %d (%v)", id, present)
	}

	failed := Respond(req, nil, "boom")
	if failed.Error != "boom" {
		t.Fatalf("error text not carried: %#v", failed)
	}
	if len(failed.Payload) != 0 {
		t.Fatalf("failed response must not carry a payload")
	}
}
