package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeindex/codeindex/internal/store"
)

func TestDeduplicate_RemovesNearDuplicates(t *testing.T) {
	results := []*store.SearchResult{
		{ID: "a", Content: "func Search(query string) []Result", FinalScore: 90},
		{ID: "b", Content: "func Search(query string) []Result ", FinalScore: 80},
		{ID: "c", Content: "func Lookup(id int) *Record", FinalScore: 70},
	}
	kept := deduplicate(results)
	assert.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].ID)
	assert.Equal(t, "c", kept[1].ID)
}

func TestDeduplicate_KeepsDistinctContent(t *testing.T) {
	results := []*store.SearchResult{
		{ID: "a", Content: "func Search() {}", FinalScore: 90},
		{ID: "b", Content: "func Lookup() {}", FinalScore: 80},
	}
	kept := deduplicate(results)
	assert.Len(t, kept, 2)
}
