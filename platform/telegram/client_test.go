package telegram_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xraph/courier/outbound"
	"github.com/xraph/courier/platform"
	"github.com/xraph/courier/platform/telegram"
)

// fixture runs a Bot API stub and returns a client pointed at it.
func fixture(t *testing.T, handler http.HandlerFunc) *telegram.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := telegram.New("test-token", telegram.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func ok(w http.ResponseWriter, result any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func TestDeliver_SendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	c := fixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		ok(w, map[string]any{"message_id": 42})
	})

	err := c.Deliver(t.Context(), "-1001234", outbound.Message("hello"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("path = %q, want sendMessage call", gotPath)
	}
	if gotBody["chat_id"] != "-1001234" {
		t.Errorf("chat_id = %v, want -1001234", gotBody["chat_id"])
	}
	if gotBody["text"] != "hello" {
		t.Errorf("text = %v, want hello", gotBody["text"])
	}
	if gotBody["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %v, want HTML", gotBody["parse_mode"])
	}
}

func TestDeliver_PinMessage_SendsThenPins(t *testing.T) {
	var methods []string
	var pinBody map[string]any

	c := fixture(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.URL.Path)
		switch r.URL.Path {
		case "/bottest-token/sendMessage":
			ok(w, map[string]any{"message_id": 7})
		case "/bottest-token/pinChatMessage":
			_ = json.NewDecoder(r.Body).Decode(&pinBody)
			ok(w, true)
		default:
			t.Errorf("unexpected call %s", r.URL.Path)
		}
	})

	err := c.Deliver(t.Context(), "-100555", outbound.PinnedMessage("announcement"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("expected sendMessage then pinChatMessage, got %v", methods)
	}
	if pinBody["message_id"] != float64(7) {
		t.Errorf("pinned message_id = %v, want 7", pinBody["message_id"])
	}
}

func TestDeliver_BanMember(t *testing.T) {
	var gotBody map[string]any

	c := fixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottest-token/banChatMember" {
			t.Errorf("unexpected call %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		ok(w, true)
	})

	err := c.Deliver(t.Context(), "-100555", outbound.BanMember(99887))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotBody["user_id"] != float64(99887) {
		t.Errorf("user_id = %v, want 99887", gotBody["user_id"])
	}
}

func TestDeliver_429_MapsToThrottled(t *testing.T) {
	c := fixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  429,
			"description": "Too Many Requests: retry after 17",
			"parameters":  map[string]any{"retry_after": 17},
		})
	})

	err := c.Deliver(t.Context(), "-100555", outbound.Message("hi"))
	te, isThrottled := platform.AsThrottled(err)
	if !isThrottled {
		t.Fatalf("expected ThrottledError, got %v", err)
	}
	if te.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s", te.RetryAfter)
	}
}

func TestDeliver_5xx_MapsToTransient(t *testing.T) {
	c := fixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 502, "description": "Bad Gateway",
		})
	})

	err := c.Deliver(t.Context(), "-100555", outbound.Message("hi"))
	if !platform.IsTransient(err) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestDeliver_ConnectionError_MapsToTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	c, err := telegram.New("test-token", telegram.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = c.Deliver(t.Context(), "-100555", outbound.Message("hi"))
	if !platform.IsTransient(err) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestDeliver_4xx_IsPermanent(t *testing.T) {
	c := fixture(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 400, "description": "Bad Request: chat not found",
		})
	})

	err := c.Deliver(t.Context(), "does-not-exist", outbound.Message("hi"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if platform.IsTransient(err) {
		t.Error("a 400 should not be transient")
	}
	if _, isThrottled := platform.AsThrottled(err); isThrottled {
		t.Error("a 400 should not be a throttle")
	}

	var apiErr *telegram.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != 400 {
		t.Errorf("Code = %d, want 400", apiErr.Code)
	}
}

func TestNew_RejectsEmptyToken(t *testing.T) {
	if _, err := telegram.New(""); err == nil {
		t.Fatal("expected an error for an empty token")
	}
}
