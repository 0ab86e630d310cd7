package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/astridlabs/astrid/internal/gateway"
)

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	err := r.Register(gateway.ToolSpec{Name: "shout"}, func(_ context.Context, args map[string]any) (string, error) {
		s, _ := args["text"].(string)
		return s + "!", nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	out, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "shout", Args: map[string]any{"text": "hi"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out != "hi!" {
		t.Fatalf("Invoke() = %q", out)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "nope"})
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("Invoke() error = %v, want *ToolError", err)
	}
	if te.Tool != "nope" {
		t.Fatalf("ToolError.Tool = %q", te.Tool)
	}
}

func TestRegistryToolFailureIsToolError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	if err := r.Register(gateway.ToolSpec{Name: "broken"}, func(context.Context, map[string]any) (string, error) {
		return "", boom
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "broken"})
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("Invoke() error = %v, want *ToolError", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("ToolError does not wrap the cause: %v", err)
	}
}

func TestRegistryCancellationIsNotAToolError(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(gateway.ToolSpec{Name: "slow"}, func(ctx context.Context, _ map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Invoke(ctx, gateway.ToolCall{Name: "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Invoke() error = %v, want context.Canceled", err)
	}
	var te *ToolError
	if errors.As(err, &te) {
		t.Fatalf("cancellation was wrapped as a tool error: %v", err)
	}
}

func TestSpecsAreSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(gateway.ToolSpec{Name: name}, func(context.Context, map[string]any) (string, error) {
			return "", nil
		}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("Specs() returned %d entries", len(specs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if specs[i].Name != want {
			t.Fatalf("Specs()[%d] = %q, want %q", i, specs[i].Name, want)
		}
	}
}

func TestRemoteTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, `{"result": "42"}`)
	}))
	defer srv.Close()

	r := NewRegistry()
	if err := r.RegisterRemote(RemoteEndpoint{
		Spec: gateway.ToolSpec{Name: "answer"},
		URL:  srv.URL,
	}, srv.Client()); err != nil {
		t.Fatalf("RegisterRemote() error = %v", err)
	}

	out, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "answer", Args: map[string]any{"q": "life"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out != "42" {
		t.Fatalf("Invoke() = %q", out)
	}
}

func TestRemoteToolErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, `{"error": "upstream exploded"}`)
	}))
	defer srv.Close()

	r := NewRegistry()
	if err := r.RegisterRemote(RemoteEndpoint{
		Spec: gateway.ToolSpec{Name: "flaky"},
		URL:  srv.URL,
	}, srv.Client()); err != nil {
		t.Fatalf("RegisterRemote() error = %v", err)
	}

	_, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "flaky"})
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("Invoke() error = %v, want *ToolError", err)
	}
}

func TestBuiltinCurrentTime(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	out, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "current_time", Args: map[string]any{"timezone": "UTC"}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out == "" {
		t.Fatal("current_time returned empty output")
	}
	if _, err := r.Invoke(context.Background(), gateway.ToolCall{Name: "current_time", Args: map[string]any{"timezone": "Not/AZone"}}); err == nil {
		t.Fatal("bad timezone accepted")
	}
}
