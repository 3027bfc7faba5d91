package source

import (
	"context"
	"testing"
)

func TestRegistry_ResolvesByType(t *testing.T) {
	reg := NewRegistry()
	static := NewStaticSyncer()
	reg.Register("static", static)

	if _, err := reg.For("static"); err != nil {
		t.Fatalf("For(static): %v", err)
	}
	if _, err := reg.For("sheet"); err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestStaticSyncer_FetchRows(t *testing.T) {
	s := NewStaticSyncer()
	s.Put("src-1", []Row{
		{SourceUUID: "a", ContextVariables: map[string]string{"phone_number": "+15550001"}},
		{SourceUUID: "b", ContextVariables: map[string]string{"phone_number": "+15550002"}},
	})

	rows, err := s.FetchRows(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if len(rows) != 2 || rows[0].SourceUUID != "a" {
		t.Fatalf("rows = %+v", rows)
	}

	if _, err := s.FetchRows(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown source id")
	}
}
