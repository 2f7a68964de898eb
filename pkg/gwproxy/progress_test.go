package gwproxy

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeProgressSink struct {
	received []*mcp.ProgressNotificationParams
}

func (f *fakeProgressSink) NotifyProgress(_ context.Context, params *mcp.ProgressNotificationParams) error {
	f.received = append(f.received, params)
	return nil
}

func TestEnsureTokenGeneratesWhenAbsent(t *testing.T) {
	pt := newProgressTracker(nil)
	params := &mcp.CallToolParams{Name: "echo"}

	token, ok := pt.ensureToken(params)
	if !ok || token == nil {
		t.Fatalf("expected a generated token, got %v ok=%v", token, ok)
	}
	if params.GetProgressToken() != token {
		t.Fatalf("token not stored on params meta")
	}
}

func TestEnsureTokenPreservesExisting(t *testing.T) {
	pt := newProgressTracker(nil)
	params := &mcp.CallToolParams{Name: "echo"}
	params.SetMeta(map[string]any{})
	params.SetProgressToken("existing")

	token, ok := pt.ensureToken(params)
	if !ok || token != "existing" {
		t.Fatalf("expected existing token preserved, got %v", token)
	}
}

func TestEnsureTokenNormalizesFloat(t *testing.T) {
	pt := newProgressTracker(nil)
	params := &mcp.CallToolParams{Name: "echo"}
	params.SetMeta(map[string]any{"progressToken": 3.0})

	token, ok := pt.ensureToken(params)
	if !ok || token != int64(3) {
		t.Fatalf("expected float token normalized to int64(3), got %v (%T)", token, token)
	}
}

func TestTrackLookupAndCleanup(t *testing.T) {
	pt := newProgressTracker(nil)
	pt.cleanupGrace = 0
	sink := &fakeProgressSink{}

	cleanup := pt.register("srv1", "token-a", sink)
	if got := pt.lookup("srv1", "token-a"); got != sink {
		t.Fatalf("expected sink lookup, got %v", got)
	}
	cleanup()
	if got := pt.lookup("srv1", "token-a"); got != nil {
		t.Fatalf("expected sink removed after cleanup, got %v", got)
	}
}

func TestLookupUnregisteredTokenReturnsNil(t *testing.T) {
	pt := newProgressTracker(nil)
	if got := pt.lookup("srv1", "unknown"); got != nil {
		t.Fatalf("expected nil for unregistered token, got %v", got)
	}
}
