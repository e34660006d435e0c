package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/evaluation"
)

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		requests = append(requests, body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   DefaultModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestEvaluate_ParsesReply(t *testing.T) {
	reply := "```json\n" + `{"pronunciationScore":7,"grammarScore":6,"vocabularyScore":8,"communicationScore":9,"overallScore":7,"feedback":"Nice work.","suggestions":["a","b","c"]}` + "\n```"
	srv, reqs := chatServer(t, http.StatusOK, reply)

	e, err := New("sk-test", "", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	ev, err := e.Evaluate(context.Background(), evaluation.Transcript{
		ScenarioTitle: "Coffee Shop Ordering",
		Messages: []evaluation.Message{
			{Role: "assistant", Text: "What can I get you?"},
			{Role: "user", Text: "A latte, please."},
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.GrammarScore != 6 || ev.OverallScore != 7 || len(ev.Suggestions) != 3 {
		t.Errorf("evaluation = %+v", ev)
	}

	if len(*reqs) != 1 {
		t.Fatalf("requests = %d", len(*reqs))
	}
	req := (*reqs)[0]
	if req["model"] != DefaultModel {
		t.Errorf("model = %v", req["model"])
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}
	user, _ := msgs[1].(map[string]any)
	if s, _ := user["content"].(string); !strings.Contains(s, "user: A latte, please.") {
		t.Errorf("user content = %v", user["content"])
	}
}

func TestEvaluate_ServerError(t *testing.T) {
	srv, _ := chatServer(t, http.StatusInternalServerError, "")
	e, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Evaluate(context.Background(), evaluation.Transcript{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestParseEvaluation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"pronunciationScore":5,"grammarScore":5,"vocabularyScore":5,"communicationScore":5,"overallScore":5,"feedback":"ok","suggestions":[]}`, false},
		{"prose around", `Here you go: {"pronunciationScore":5,"grammarScore":5,"vocabularyScore":5,"communicationScore":5,"overallScore":5,"feedback":"ok"} Thanks!`, false},
		{"not json", "I cannot score this.", true},
		{"out of range", `{"pronunciationScore":15,"grammarScore":5,"vocabularyScore":5,"communicationScore":5,"overallScore":5,"feedback":"ok"}`, true},
		{"no feedback", `{"pronunciationScore":5,"grammarScore":5,"vocabularyScore":5,"communicationScore":5,"overallScore":5}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseEvaluation(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
