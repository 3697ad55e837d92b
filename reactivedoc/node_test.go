package reactivedoc

import (
	"context"
	"testing"

	"github.com/reactivedoc/core/document"
	"github.com/reactivedoc/core/filter"
	"github.com/reactivedoc/core/query"
	"github.com/reactivedoc/core/store/memadapter"
	"github.com/reactivedoc/core/view"
)

func TestNewWithNilFactoryAdoptsLeaderImmediately(t *testing.T) {
	s := memadapter.New()
	node, err := New(s, nil, WithCollection("docs"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	node.Start(context.Background())
	defer node.Close(context.Background())

	if !node.Election.State().IsLeader {
		t.Fatal("expected immediate leadership with no broadcast factory")
	}
}

func TestViewReceivesStoreChanges(t *testing.T) {
	s := memadapter.New()
	node, err := New(s, nil, WithCollection("docs"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	node.Start(context.Background())
	defer node.Close(context.Background())

	v, err := node.Views.CreateView("active", view.Definition{
		Collection: "docs",
		Spec: query.Spec{
			Filter: filter.Field{Path: "active", Op: filter.Eq{Value: true}},
		},
	})
	if err != nil {
		t.Fatalf("create view: %v", err)
	}

	ctx := context.Background()
	if err := s.Put(ctx, &document.Document{ID: "a", Fields: map[string]interface{}{"active": true}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if len(v.Results()) != 1 {
		t.Fatalf("expected 1 result in view, got %d", len(v.Results()))
	}
}
