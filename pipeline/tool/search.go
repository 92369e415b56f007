package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatgraph/chatgraph-go/pipeline/model"
	"github.com/chatgraph/chatgraph-go/pipeline/repo"
)

// CollectionSearch searches the index summaries of a fixed set of
// collections. Only collections flagged searchable are consulted; the
// repository filters those out via GetCollectionsForSearch.
//
// The match is a case-insensitive term match over each file's name and
// index summary. Files matching every query term are returned, best
// collections first in the order the repository yields them.
type CollectionSearch struct {
	Repo          repo.Repository
	CollectionIDs []int64

	// MaxResults caps the returned file entries. Zero means 10.
	MaxResults int
}

// Name implements Tool.
func (s *CollectionSearch) Name() string { return "search_collections" }

// Spec implements Tool.
func (s *CollectionSearch) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        s.Name(),
		Description: "Search the attached document collections for files relevant to a query. Returns file names and summaries.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search terms to match against file names and summaries",
				},
			},
			"required": []string{"query"},
		},
	}
}

// Call implements Tool.
func (s *CollectionSearch) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	query, ok := input["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query parameter required (string)")
	}
	terms := strings.Fields(strings.ToLower(query))

	collections, err := s.Repo.GetCollectionsForSearch(ctx, s.CollectionIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve searchable collections: %w", err)
	}

	limit := s.MaxResults
	if limit <= 0 {
		limit = 10
	}

	var results []map[string]interface{}
	for _, coll := range collections {
		files, err := s.Repo.GetCollectionIndexSummaries(ctx, coll.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load index for collection %q: %w", coll.Name, err)
		}
		for _, f := range files {
			if !matchesTerms(f, terms) {
				continue
			}
			results = append(results, map[string]interface{}{
				"collection": coll.Name,
				"file_id":    f.ID,
				"name":       f.Name,
				"summary":    f.Summary,
			})
			if len(results) >= limit {
				return map[string]interface{}{"results": results}, nil
			}
		}
	}

	if results == nil {
		results = []map[string]interface{}{}
	}
	return map[string]interface{}{"results": results}, nil
}

// matchesTerms reports whether every term occurs in the file's name or
// summary, case-insensitively.
func matchesTerms(f repo.CollectionFile, terms []string) bool {
	haystack := strings.ToLower(f.Name + " " + f.Summary)
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
