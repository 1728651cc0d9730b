package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"request_string_id", `{"id":"99","method":"item/commandExecution/requestApproval","params":{"threadId":"thr_1"}}`, "request"},
		{"request_int_id", `{"id":7,"method":"thread/start"}`, "request"},
		{"notification", `{"method":"turn/completed","params":{"threadId":"thr_1"}}`, "notification"},
		{"notification_jsonrpc", `{"jsonrpc":"2.0","method":"turn/started"}`, "notification"},
		{"response", `{"id":1,"result":{"thread":{"id":"thr_1"}}}`, "response"},
		{"response_null_result", `{"id":1,"result":null}`, "response"},
		{"error", `{"id":1,"error":{"code":-32601,"message":"nope"}}`, "error"},
		{"error_null_id", `{"id":null,"error":{"code":-32700,"message":"parse"}}`, "error"},
		{"float_id", `{"id":1.5,"result":{}}`, "malformed"},
		{"bool_id", `{"id":true,"method":"x"}`, "malformed"},
		{"empty_method", `{"method":""}`, "malformed"},
		{"method_and_result", `{"id":1,"method":"x","result":{}}`, "malformed"},
		{"result_and_error", `{"id":1,"result":{},"error":{"code":1,"message":"m"}}`, "malformed"},
		{"response_without_id", `{"result":{}}`, "malformed"},
		{"error_without_code", `{"id":1,"error":{"message":"m"}}`, "malformed"},
		{"error_float_code", `{"id":1,"error":{"code":1.2,"message":"m"}}`, "malformed"},
		{"array", `[1,2]`, "malformed"},
		{"null", `null`, "malformed"},
		{"garbage", `{not json`, "malformed"},
		{"empty_object", `{}`, "malformed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.line))
			got := "malformed"
			if err == nil {
				switch msg.(type) {
				case *Request:
					got = "request"
				case *Notification:
					got = "notification"
				case *Response:
					got = "response"
				case *ErrorMessage:
					got = "error"
				}
			} else if !errors.Is(err, ErrMalformed) {
				t.Fatalf("error %v does not wrap ErrMalformed", err)
			}
			if got != tc.want {
				t.Errorf("Decode(%s) = %s; want %s", tc.line, got, tc.want)
			}
		})
	}
}

func TestDecodeKeepsIDType(t *testing.T) {
	msg, err := Decode([]byte(`{"id":"99","method":"m"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req := msg.(*Request)
	if !req.ID.IsString() || req.ID.String() != "99" {
		t.Fatalf("id = %#v; want string 99", req.ID)
	}
	if req.ID.Key() == IntID(99).Key() {
		t.Fatalf("string and integer ids must not share a key")
	}

	line, err := Encode(&Response{ID: req.ID, Result: json.RawMessage(`{"decision":"accept"}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := string(line); got != `{"id":"99","result":{"decision":"accept"}}`+"\n" {
		t.Fatalf("encoded = %q", got)
	}
}

func TestEncodeSingleLine(t *testing.T) {
	req, err := NewRequest(IntID(3), "thread/start", map[string]any{"cwd": "/repo\nwith newline"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	line, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Count(string(line), "\n") != 1 || !strings.HasSuffix(string(line), "\n") {
		t.Fatalf("encoded request must be exactly one line: %q", line)
	}

	n, err := NewNotification("initialized", nil)
	if err != nil {
		t.Fatalf("new notification: %v", err)
	}
	line, _ = Encode(n)
	if got := string(line); got != `{"method":"initialized"}`+"\n" {
		t.Fatalf("notification = %q", got)
	}

	line, _ = Encode(NewErrorMessage(StringID("a"), NewError(ErrMethodNotFound, "unknown", nil)))
	if got := string(line); got != `{"id":"a","error":{"code":-32601,"message":"unknown"}}`+"\n" {
		t.Fatalf("error message = %q", got)
	}
}

func TestErrorMessageCarriesData(t *testing.T) {
	msg, err := Decode([]byte(`{"id":4,"error":{"code":-32000,"message":"boom","data":{"retry":true}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	em := msg.(*ErrorMessage)
	if em.ID == nil || em.ID.String() != "4" {
		t.Fatalf("id = %v", em.ID)
	}
	if em.Error.Code != -32000 || string(em.Error.Data) != `{"retry":true}` {
		t.Fatalf("error = %#v", em.Error)
	}
	if !strings.Contains(em.Error.Error(), "boom") {
		t.Fatalf("Error() = %q", em.Error.Error())
	}
}

func TestEnvelopeThreadScope(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	scoped := StreamEvent{Type: StreamTurnStarted, ThreadID: "thr_1"}.Envelope(3, at)
	data, _ := json.Marshal(scoped)
	if !strings.Contains(string(data), `"threadId":"thr_1"`) || !strings.Contains(string(data), `"cursor":3`) {
		t.Fatalf("scoped envelope = %s", data)
	}

	session := StreamEvent{Type: StreamError, Payload: json.RawMessage(`{"message":"x"}`)}.Envelope(1, at)
	data, _ = json.Marshal(session)
	if !strings.Contains(string(data), `"threadId":null`) {
		t.Fatalf("session envelope must carry null thread: %s", data)
	}
}
