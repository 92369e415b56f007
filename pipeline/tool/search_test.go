package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

func searchFixture() *repo.MemRepo {
	store := repo.NewMemRepo()
	store.AddCollection(repo.Collection{ID: 1, Name: "manuals", Searchable: true},
		repo.CollectionFile{ID: 10, Name: "printer-setup.pdf", Summary: "How to install the printer driver"},
		repo.CollectionFile{ID: 11, Name: "router-guide.pdf", Summary: "Wireless router configuration"},
	)
	store.AddCollection(repo.Collection{ID: 2, Name: "internal", Searchable: false},
		repo.CollectionFile{ID: 20, Name: "printer-costs.xlsx", Summary: "Printer purchasing costs"},
	)
	return store
}

func TestCollectionSearch_Call(t *testing.T) {
	s := &CollectionSearch{Repo: searchFixture(), CollectionIDs: []int64{1, 2}}

	out, err := s.Call(context.Background(), map[string]interface{}{"query": "printer install"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	results := out["results"].([]map[string]interface{})
	if len(results) != 1 {
		t.Fatalf("got %d results: %+v", len(results), results)
	}
	if results[0]["file_id"] != int64(10) || results[0]["collection"] != "manuals" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestCollectionSearch_SkipsUnsearchable(t *testing.T) {
	s := &CollectionSearch{Repo: searchFixture(), CollectionIDs: []int64{1, 2}}

	out, err := s.Call(context.Background(), map[string]interface{}{"query": "printer"})
	if err != nil {
		t.Fatal(err)
	}
	results := out["results"].([]map[string]interface{})
	// The internal collection also mentions printers but is not searchable.
	for _, r := range results {
		if r["collection"] == "internal" {
			t.Errorf("unsearchable collection leaked: %+v", r)
		}
	}
	if len(results) != 1 {
		t.Errorf("got %d results", len(results))
	}
}

func TestCollectionSearch_CaseInsensitiveAllTerms(t *testing.T) {
	s := &CollectionSearch{Repo: searchFixture(), CollectionIDs: []int64{1}}

	out, err := s.Call(context.Background(), map[string]interface{}{"query": "WIRELESS Router"})
	if err != nil {
		t.Fatal(err)
	}
	results := out["results"].([]map[string]interface{})
	if len(results) != 1 || results[0]["file_id"] != int64(11) {
		t.Errorf("results = %+v", results)
	}

	// A term matching nothing excludes the file even if others match.
	out, _ = s.Call(context.Background(), map[string]interface{}{"query": "router firmware"})
	if len(out["results"].([]map[string]interface{})) != 0 {
		t.Error("partial term match should not qualify")
	}
}

func TestCollectionSearch_Limit(t *testing.T) {
	store := repo.NewMemRepo()
	files := make([]repo.CollectionFile, 5)
	for i := range files {
		files[i] = repo.CollectionFile{ID: int64(i + 1), Name: "report", Summary: "weekly report"}
	}
	store.AddCollection(repo.Collection{ID: 1, Name: "reports", Searchable: true}, files...)
	s := &CollectionSearch{Repo: store, CollectionIDs: []int64{1}, MaxResults: 2}

	out, err := s.Call(context.Background(), map[string]interface{}{"query": "report"})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(out["results"].([]map[string]interface{})); got != 2 {
		t.Errorf("limit ignored: %d results", got)
	}
}

func TestCollectionSearch_BadInput(t *testing.T) {
	s := &CollectionSearch{Repo: searchFixture(), CollectionIDs: []int64{1}}

	if _, err := s.Call(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("missing query should fail")
	}
	if _, err := s.Call(context.Background(), map[string]interface{}{"query": "  "}); err == nil {
		t.Error("blank query should fail")
	}

	ghost := &CollectionSearch{Repo: searchFixture(), CollectionIDs: []int64{99}}
	if _, err := ghost.Call(context.Background(), map[string]interface{}{"query": "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("unknown collection should surface ErrNotFound, got %v", err)
	}
}

func TestSpecsAndByName(t *testing.T) {
	search := &CollectionSearch{}
	mock := &MockTool{ToolName: "echo"}

	specs := Specs([]Tool{search, mock})
	if len(specs) != 2 || specs[0].Name != "search_collections" || specs[1].Name != "echo" {
		t.Errorf("specs = %+v", specs)
	}

	if got := ByName([]Tool{search, mock}, "echo"); got != Tool(mock) {
		t.Error("ByName missed a registered tool")
	}
	if got := ByName([]Tool{search, mock}, "ghost"); got != nil {
		t.Error("ByName should return nil for unknown names")
	}
}
