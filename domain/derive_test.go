package domain

import (
	"testing"
)

func collect(doc Document, f Filter, viewer string) []ItemView {
	out := []ItemView{}
	for v := range Visible(doc, f, viewer) {
		out = append(out, v)
	}
	return out
}

func TestVisibleOrdering(t *testing.T) {
	doc := Document{Items: []Item{
		{ID: "a", Title: "a", Done: true, CreatedAt: 1},
		{ID: "b", Title: "b", CreatedAt: 2},
		{ID: "c", Title: "c", CreatedAt: 3},
	}}

	got := collect(doc, All(), "alice")
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
	if !got[2].Done || got[0].Done || got[1].Done {
		t.Fatalf("done bucket must sort last")
	}
}

func TestVisibleIsRestartable(t *testing.T) {
	doc := Document{Items: []Item{
		{ID: "a", Title: "a", CreatedAt: 1},
		{ID: "b", Title: "b", CreatedAt: 2},
	}}
	seq := Visible(doc, All(), "alice")

	first := 0
	for range seq {
		first++
		break // abandon early
	}
	second := 0
	for range seq {
		second++
	}
	if first != 1 || second != 2 {
		t.Fatalf("expected restartable sequence, got first=%d second=%d", first, second)
	}
}

func TestVisibleFilters(t *testing.T) {
	doc := Document{Items: []Item{
		{ID: "a", CategoryID: "books", CreatorID: "alice", Title: "a", CreatedAt: 4},
		{ID: "b", CreatorID: "alice", Title: "b", CreatedAt: 3},
		{ID: "c", CategoryID: "places", CreatorID: "bob", Title: "c", IsSecret: true, SecretFor: "alice", CreatedAt: 2},
		{ID: "d", CreatorID: "alice", Title: "d", IsSecret: true, SecretFor: "bob", CreatedAt: 1},
	}}

	if got := collect(doc, ByCategory("books"), "alice"); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("byCategory: %#v", got)
	}
	got := collect(doc, Uncategorized(), "alice")
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "d" {
		t.Fatalf("uncategorized: %#v", got)
	}
	// secret view shows only the creator's own pending surprises
	if got := collect(doc, SecretOnly("alice"), "alice"); len(got) != 1 || got[0].ID != "d" {
		t.Fatalf("secretOnly: %#v", got)
	}
	if got := collect(doc, SecretOnly("bob"), "bob"); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("secretOnly other member: %#v", got)
	}
}

func TestSecretRedactionLifecycle(t *testing.T) {
	// alice adds a secret item hidden from bob
	doc := Document{}
	doc, _, err := doc.AddItem(NewItem{
		Title:       "Tickets to the aurora",
		Description: "booked for march",
		IsSecret:    true,
		CreatorID:   "alice",
		PartnerID:   "bob",
		CreatedAt:   10,
	})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	itemID := doc.Items[0].ID

	asBob := collect(doc, All(), "bob")
	if !asBob[0].Redacted || asBob[0].Title != SecretPlaceholder || asBob[0].Description != "" {
		t.Fatalf("bob must see the placeholder, got %#v", asBob[0])
	}
	asAlice := collect(doc, All(), "alice")
	if asAlice[0].Redacted || asAlice[0].Title != "Tickets to the aurora" {
		t.Fatalf("alice must see the full item, got %#v", asAlice[0])
	}

	doc, _ = doc.ToggleDone(itemID)
	for _, viewer := range []string{"alice", "bob"} {
		got := collect(doc, All(), viewer)
		if got[0].Redacted || got[0].Title != "Tickets to the aurora" || got[0].IsSecret {
			t.Fatalf("after completion %s must see the full item, got %#v", viewer, got[0])
		}
	}
}

func TestVisibleDoesNotAliasDocument(t *testing.T) {
	doc := Document{Items: []Item{{
		ID: "a", Title: "real", IsSecret: true, SecretFor: "bob", CreatedAt: 1,
		Reactions: map[string]string{"alice": "⭐"},
	}}}

	views := collect(doc, All(), "bob")
	views[0].Reactions["alice"] = "💣"

	if doc.Items[0].Title != "real" || doc.Items[0].Reactions["alice"] != "⭐" {
		t.Fatalf("view mutation leaked into the document: %#v", doc.Items[0])
	}
}
