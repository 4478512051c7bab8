package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// chatServer answers /chat/completions with a fixed message and records
// the last request body.
func chatServer(t *testing.T, reply string, last *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if last != nil {
			_ = json.NewDecoder(r.Body).Decode(last)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifierNormalizesLabel(t *testing.T) {
	tests := []struct {
		reply string
		want  string
	}{
		{"rag", "rag"},
		{"  Structured.\n", "structured"},
		{"Hybrid - both sources", "hybrid"},
		{"**rag**", "rag"},
		{"maybe", "maybe"},
	}
	for _, tt := range tests {
		srv := chatServer(t, tt.reply, nil)
		cl := NewClassifier(NewClient(Config{Endpoint: srv.URL, Model: "m"}, nil))
		got, err := cl.Classify(context.Background(), "how heavy is a log?")
		if err != nil {
			t.Fatalf("Classify(%q): %v", tt.reply, err)
		}
		if got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

func TestClassifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"down"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	cl := NewClassifier(NewClient(Config{Endpoint: srv.URL, Model: "m"}, nil))
	if _, err := cl.Classify(context.Background(), "x"); err == nil {
		t.Fatal("expected error from failing provider")
	}
}

func TestExtractorFlattensFields(t *testing.T) {
	var last map[string]any
	reply := `{"topic":"trucking","entities":["Jemusi","Log",""],"question_types":["cost"],"chunk":null,"tier":2,"official":true}`
	srv := chatServer(t, reply, &last)

	ex := NewExtractor(NewClient(Config{Endpoint: srv.URL, Model: "m"}, nil), nil)
	fields, err := ex.Extract(context.Background(), "Jemusi hauls logs")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := map[string]string{
		"topic":          "trucking",
		"entities":       "Jemusi,Log",
		"question_types": "cost",
		"tier":           "2",
		"official":       "true",
	}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want %v", fields, want)
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %q, want %q", k, fields[k], v)
		}
	}

	rf, _ := last["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("expected json_object response format, got %v", last["response_format"])
	}
	msgs, _ := last["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(msgs))
	}
	sys, _ := msgs[0].(map[string]any)
	if !strings.Contains(sys["content"].(string), "entities") {
		t.Errorf("system prompt should list fields: %v", sys["content"])
	}
}

func TestExtractorRejectsNonJSON(t *testing.T) {
	srv := chatServer(t, "I could not find anything", nil)
	ex := NewExtractor(NewClient(Config{Endpoint: srv.URL, Model: "m"}, nil), nil)
	if _, err := ex.Extract(context.Background(), "x"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseFieldsStripsFence(t *testing.T) {
	fields, err := parseFields("```json\n{\"topic\": \"cargo\"}\n```")
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	if fields["topic"] != "cargo" {
		t.Errorf("topic = %q", fields["topic"])
	}
}
