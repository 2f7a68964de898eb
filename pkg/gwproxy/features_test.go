package gwproxy

import (
	"testing"

	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

func TestUpdateToolsAddsAndPrefixes(t *testing.T) {
	f := newFeatureIndex()
	_, added := f.UpdateTools("srv1", "Acme Server", []gwtypes.ToolInfo{
		{Name: "ping", Description: "pings"},
	})
	if len(added) != 1 {
		t.Fatalf("expected 1 added tool, got %d", len(added))
	}
	if added[0].Tool.Name != "acme_server__ping" {
		t.Fatalf("expected prefixed name, got %q", added[0].Tool.Name)
	}
	target, ok := f.ToolTarget("acme_server__ping")
	if !ok || target.ServerID != "srv1" || target.NativeName != "ping" {
		t.Fatalf("unexpected target: %+v ok=%v", target, ok)
	}
}

func TestUpdateToolsReplacesPriorSet(t *testing.T) {
	f := newFeatureIndex()
	f.UpdateTools("srv1", "Acme", []gwtypes.ToolInfo{{Name: "a"}, {Name: "b"}})

	removed, added := f.UpdateTools("srv1", "Acme", []gwtypes.ToolInfo{{Name: "b"}, {Name: "c"}})
	if len(removed) != 2 {
		t.Fatalf("expected prior 2 names removed, got %v", removed)
	}
	if len(added) != 2 {
		t.Fatalf("expected 2 tools added, got %d", len(added))
	}
	if _, ok := f.ToolTarget("acme__a"); ok {
		t.Fatalf("expected acme__a to no longer be tracked")
	}
	if _, ok := f.ToolTarget("acme__c"); !ok {
		t.Fatalf("expected acme__c to be tracked")
	}
}

func TestUpdateResourcesLeaveURIUnprefixed(t *testing.T) {
	f := newFeatureIndex()
	_, added := f.UpdateResources("srv1", "Acme", []gwtypes.ResourceInfo{
		{URI: "file:///notes.txt", Name: "notes"},
	})
	if len(added) != 1 || added[0].Resource.URI != "file:///notes.txt" {
		t.Fatalf("expected unprefixed URI preserved, got %+v", added)
	}
}

func TestUpdateResourceTemplatesTracksByURITemplate(t *testing.T) {
	f := newFeatureIndex()
	_, added := f.UpdateResourceTemplates("srv1", "Acme", []gwtypes.ResourceTemplateInfo{
		{URITemplate: "file:///{path}", Name: "files"},
	})
	if len(added) != 1 {
		t.Fatalf("expected 1 template added, got %d", len(added))
	}
	if _, ok := f.templates["file:///{path}"]; !ok {
		t.Fatalf("expected template tracked by its URI template")
	}

	removed, _ := f.UpdateResourceTemplates("srv1", "Acme", nil)
	if len(removed) != 1 {
		t.Fatalf("expected 1 template removed, got %v", removed)
	}
	if _, ok := f.templates["file:///{path}"]; ok {
		t.Fatalf("expected template no longer tracked after removal")
	}
}

func TestPromptTargetLookupMiss(t *testing.T) {
	f := newFeatureIndex()
	if _, ok := f.PromptTarget("nope"); ok {
		t.Fatalf("expected miss for unknown prompt name")
	}
}
