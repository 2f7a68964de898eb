package gwrouter

import "testing"

func TestPrefixNameRoundTrip(t *testing.T) {
	prefixed := PrefixName("Foo Bar", "ping")
	prefix, original, ok := ParsePrefixedName(prefixed)
	if !ok {
		t.Fatalf("ParsePrefixedName failed on %q", prefixed)
	}
	if prefix != "foo_bar" || original != "ping" {
		t.Fatalf("got prefix=%q original=%q, want foo_bar/ping", prefix, original)
	}
}

func TestParsePrefixedNameNoSeparator(t *testing.T) {
	if _, _, ok := ParsePrefixedName("nosep"); ok {
		t.Fatalf("expected ok=false for a name without the separator")
	}
}

func TestResolveToolFirstMatchWins(t *testing.T) {
	router := NewRouter([]Entry{
		{ServerID: "s1", ServerName: "Foo Bar", Original: "ping"},
		{ServerID: "s2", ServerName: "Foo Bar", Original: "ping"},
	}, nil, nil)

	target, ok := router.ResolveTool("foo_bar__ping")
	if !ok {
		t.Fatalf("expected resolution to succeed")
	}
	if target.ServerID != "s1" || target.Original != "ping" {
		t.Fatalf("unexpected target %+v", target)
	}
}

func TestResolveToolUnknownPrefix(t *testing.T) {
	router := NewRouter([]Entry{{ServerID: "s1", ServerName: "Foo", Original: "ping"}}, nil, nil)
	if _, ok := router.ResolveTool("bar__ping"); ok {
		t.Fatalf("expected no match for unknown prefix")
	}
}

func TestCompactDescriptionUnderBudgetUnchanged(t *testing.T) {
	got := CompactDescription("acme", "short description")
	want := "[acme] short description"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCompactDescriptionTruncatesAtWhitespace(t *testing.T) {
	long := ""
	for i := 0; i < 30; i++ {
		long += "word "
	}
	got := CompactDescription("acme", long)
	if len([]rune(got)) > maxDescriptionLen+1 {
		t.Fatalf("compacted description too long: %d runes", len([]rune(got)))
	}
	if got[len(got)-len(ellipsis):] != ellipsis {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
}

func TestValidatePrefixRejectsEmpty(t *testing.T) {
	if err := ValidatePrefix("!!!", nil); err == nil {
		t.Fatalf("expected error for a name that normalizes to empty")
	}
}

func TestValidatePrefixRejectsCollision(t *testing.T) {
	err := ValidatePrefix("Foo-Bar", []string{"Foo Bar"})
	if err == nil {
		t.Fatalf("expected a collision error")
	}
}

func TestValidatePrefixAllowsUnique(t *testing.T) {
	if err := ValidatePrefix("Widget", []string{"Foo Bar"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
