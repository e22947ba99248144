package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codeindex/codeindex/internal/store"
)

// FormatSearchResults formats generic search results as markdown.
func (s *Server) FormatSearchResults(ctx context.Context, query string, results []*store.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Search Results for \"%s\"\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		s.formatResult(ctx, &sb, i+1, r)
	}

	return sb.String()
}

// FormatCodeResults formats code-specific results with syntax highlighting.
func (s *Server) FormatCodeResults(ctx context.Context, query string, results []*store.SearchResult, langFilter string) string {
	if len(results) == 0 {
		msg := fmt.Sprintf("No code results found for \"%s\"", query)
		if langFilter != "" {
			msg += fmt.Sprintf(" in %s files", langFilter)
		}
		return msg
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Code Search Results for \"%s\"\n\n", query))
	if langFilter != "" {
		sb.WriteString(fmt.Sprintf("Language filter: `%s`\n\n", langFilter))
	}
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		s.formatResult(ctx, &sb, i+1, r)
	}

	return sb.String()
}

// FormatDocsResults formats documentation results. The indexed corpus is
// code symbols only (spec §3: no markdown section index), so this shares
// formatResult's rendering rather than a prose-specific layout.
func (s *Server) FormatDocsResults(ctx context.Context, query string, results []*store.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No documentation found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Documentation Results for \"%s\"\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d result", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")

	for i, r := range results {
		s.formatResult(ctx, &sb, i+1, r)
	}

	return sb.String()
}

// formatResult formats a single result, looking up the backing
// SymbolRecord (when the symbol store is available) for language and
// signature detail the bare SearchResult doesn't carry.
func (s *Server) formatResult(ctx context.Context, sb *strings.Builder, num int, r *store.SearchResult) {
	rec := s.lookupSymbol(ctx, r.ID)

	endLine := r.Line
	if rec != nil {
		endLine = rec.EndLine
	}
	fmt.Fprintf(sb, "### %d. %s:%d-%d (score: %.1f, tier: %s)\n",
		num, r.FilePath, r.Line, endLine, r.FinalScore, r.Tier)

	if rec != nil {
		fmt.Fprintf(sb, "**Symbol:** `%s` (%s)\n\n", rec.ID, rec.Kind)
	}

	lang := languageForPath(r.FilePath)

	content := r.ContextualizedContent
	if content == "" {
		content = r.Content
	}
	fmt.Fprintf(sb, "```%s\n%s\n```\n\n", lang, content)
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// lookupSymbol fetches the SymbolRecord backing a result, if a symbol
// store is configured. A miss or a nil store is not an error: formatting
// degrades to the bare SearchResult fields.
func (s *Server) lookupSymbol(ctx context.Context, id string) *store.SymbolRecord {
	if s.symbols == nil {
		return nil
	}
	rec, ok, err := s.symbols.Get(ctx, id)
	if err != nil || !ok {
		return nil
	}
	return rec
}

// ToSearchResultOutput converts a search result to the enhanced output
// format. UX-1: returns context-rich metadata explaining WHY results
// matched.
func (s *Server) ToSearchResultOutput(ctx context.Context, r *store.SearchResult) SearchResultOutput {
	if r == nil {
		return SearchResultOutput{}
	}

	content := r.ContextualizedContent
	if content == "" {
		content = r.Content
	}

	output := SearchResultOutput{
		FilePath: r.FilePath,
		Content:  content,
		Score:    r.FinalScore / 100,
		Language: languageForPath(r.FilePath),
	}

	if rec := s.lookupSymbol(ctx, r.ID); rec != nil {
		output.Symbol = rec.ID
		output.SymbolType = string(rec.Kind)
		output.Signature = rec.Signature
	}

	output.MatchReason, output.InBothLists = generateMatchReason(r)

	return output
}

// generateMatchReason builds a human-readable explanation of why a result
// matched from its sub-scores, plus whether both the lexical and semantic
// signals contributed (the closest equivalent to the teacher's
// "in_both_lists" flag under the tier-scoring model).
func generateMatchReason(r *store.SearchResult) (reason string, inBoth bool) {
	if r == nil {
		return "", false
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("tier: %s", r.Tier))

	lexical := r.SubScores["lexical"] + r.SubScores["exact"] + r.SubScores["phrase"]
	semantic := r.SubScores["semantic"]
	inBoth = lexical > 0 && semantic > 0
	if inBoth {
		parts = append(parts, "found in both keyword and semantic search")
	}

	if len(parts) == 0 {
		return "matched content", false
	}
	return strings.Join(parts, "; "), inBoth
}

// languageForPath infers a display language from a file's extension.
func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".md", ".markdown":
		return "markdown"
	default:
		return ""
	}
}
