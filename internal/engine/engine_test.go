package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/storyloom/backend/internal/pkg/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func validDoc() map[string]any {
	return map[string]any{
		"title":    "The Hollow Lighthouse",
		"synopsis": "A keeper finds a door below the waterline.",
		"scenes": []any{
			map[string]any{"id": "s1", "text": "The lamp went dark at noon."},
			map[string]any{"id": "s2", "text": "Stairs descended where none had been."},
		},
	}
}

func TestValidateResult(t *testing.T) {
	if err := ValidateResult(validDoc()); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}

	cases := map[string]map[string]any{
		"nil document":  nil,
		"missing title": {"scenes": []any{map[string]any{"id": "s1", "text": "x"}}},
		"no scenes":     {"title": "t", "scenes": []any{}},
		"scene without id": {"title": "t", "scenes": []any{
			map[string]any{"text": "x"},
		}},
		"scene without text": {"title": "t", "scenes": []any{
			map[string]any{"id": "s1"},
		}},
	}
	for name, doc := range cases {
		err := ValidateResult(doc)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if KindOf(err) != KindInvalidOutput {
			t.Fatalf("%s: expected invalid_output, got %s", name, KindOf(err))
		}
	}
}

func TestKindOfDefaultsToTransient(t *testing.T) {
	if KindOf(errors.New("connection reset")) != KindTransient {
		t.Fatalf("plain errors must classify as transient")
	}
	if KindOf(&Error{Kind: KindMalformedInput, Message: "bad prompt"}) != KindMalformedInput {
		t.Fatalf("classified error lost its kind")
	}
}

func TestDefaultStagePlan(t *testing.T) {
	plan, err := DefaultStagePlan()
	if err != nil {
		t.Fatalf("DefaultStagePlan: %v", err)
	}
	pct, ok := plan.PercentFor("scenes")
	if !ok || pct != 70 {
		t.Fatalf("PercentFor(scenes): want 70, got %d ok=%v", pct, ok)
	}
	if _, ok := plan.PercentFor("unknown-stage"); ok {
		t.Fatalf("unknown stage should not resolve")
	}
}

func TestParseStagePlanRejectsRegression(t *testing.T) {
	_, err := parseStagePlan([]byte("stages:\n  - name: a\n    percent: 50\n  - name: b\n    percent: 10\n"))
	if err == nil {
		t.Fatalf("expected regression error")
	}
}

func TestPipelineClientStreamsStagesAndResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"stage","stage":"outline","percent":25}`)
		fmt.Fprintln(w, `{"type":"stage","stage":"scenes"}`)
		fmt.Fprintln(w, `{"type":"result","document":{"title":"t","scenes":[{"id":"s1","text":"x"}]}}`)
	}))
	defer srv.Close()
	t.Setenv("ENGINE_BASE_URL", srv.URL)

	client, err := NewPipelineClient(mustTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewPipelineClient: %v", err)
	}

	type update struct {
		stage string
		pct   int
	}
	var updates []update
	res, err := client.Run(context.Background(), Input{Prompt: "a lighthouse"}, func(stage string, pct int) {
		updates = append(updates, update{stage, pct})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res == nil || res.Document["title"] != "t" {
		t.Fatalf("Run result: %+v", res)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 stage updates, got %d", len(updates))
	}
	if updates[0] != (update{"outline", 25}) {
		t.Fatalf("explicit percent not honored: %+v", updates[0])
	}
	// No percent on the wire: the stage plan supplies the nominal one.
	if updates[1] != (update{"scenes", 70}) {
		t.Fatalf("plan percent not applied: %+v", updates[1])
	}
}

func TestPipelineClientClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"error","code":"malformed_input","message":"prompt unusable"}`)
	}))
	defer srv.Close()
	t.Setenv("ENGINE_BASE_URL", srv.URL)

	client, err := NewPipelineClient(mustTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewPipelineClient: %v", err)
	}
	_, err = client.Run(context.Background(), Input{Prompt: "x"}, nil)
	if KindOf(err) != KindMalformedInput {
		t.Fatalf("expected malformed_input, got %v (%s)", err, KindOf(err))
	}
}

func TestPipelineClientRejectedInputNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad prompt", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	t.Setenv("ENGINE_BASE_URL", srv.URL)

	client, err := NewPipelineClient(mustTestLogger(t), nil)
	if err != nil {
		t.Fatalf("NewPipelineClient: %v", err)
	}
	_, err = client.Run(context.Background(), Input{Prompt: "x"}, nil)
	if KindOf(err) != KindMalformedInput {
		t.Fatalf("expected malformed_input, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("rejected input must not be retried, got %d calls", calls)
	}
}
