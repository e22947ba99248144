package search

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/codeindex/codeindex/internal/store"
)

// DefaultSentenceWindow is spec §4.6.4's default ±N sentence expansion.
const DefaultSentenceWindow = 3

// MaxParentDocumentChars bounds how far upward a parent-document scan may
// concatenate (spec §4.6.4).
const MaxParentDocumentChars = 5000

// PrecedingContextChars is the amount of preceding-line context folded into
// contextualized content (spec §4.6.4).
const PrecedingContextChars = 200

// DefaultFileCacheSize and DefaultFileCacheTTL are the contextual
// expansion file cache's defaults (spec §4.6.4).
const (
	DefaultFileCacheSize = 50
	DefaultFileCacheTTL  = 5 * time.Minute
)

var classDeclarationPattern = regexp.MustCompile(`(?m)^\s*(?:(?:public|private|protected|internal|abstract|sealed|final|static)\s+)*(?:type\s+\w+\s+(?:struct|interface)|class\s+\w+|interface\s+\w+)\b`)

// fileCache is a bounded, TTL-expiring cache of whole file contents, shared
// across the contextual expansion stage (spec §4.6.4).
type fileCache struct {
	lru *expirable.LRU[string, string]
}

func newFileCache(size int, ttl time.Duration) *fileCache {
	if size <= 0 {
		size = DefaultFileCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultFileCacheTTL
	}
	return &fileCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *fileCache) read(path string) (string, error) {
	if content, ok := c.lru.Get(path); ok {
		return content, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := string(data)
	c.lru.Add(path, content)
	return content, nil
}

// contextExpander implements spec §4.6.4's sentence-window, parent-document,
// and contextualized-content expansion of top results.
type contextExpander struct {
	cache *fileCache
}

func newContextExpander(cache *fileCache) *contextExpander {
	if cache == nil {
		cache = newFileCache(DefaultFileCacheSize, DefaultFileCacheTTL)
	}
	return &contextExpander{cache: cache}
}

// expand populates WindowContext, ParentContext, and ContextualizedContent
// on res in place. Failure to read the backing file is tolerated: res keeps
// its un-expanded Content.
func (e *contextExpander) expand(res *store.SearchResult, rec *store.SymbolRecord) {
	if res.FilePath == "" {
		res.ContextualizedContent = e.buildContextualized(res, rec, "")
		return
	}

	fileContent, err := e.cache.read(res.FilePath)
	if err != nil {
		res.ContextualizedContent = e.buildContextualized(res, rec, "")
		return
	}

	res.WindowContext = sentenceWindow(fileContent, res.Content, DefaultSentenceWindow)

	if rec != nil && (rec.Kind == store.KindMethod || rec.Kind == store.KindField) {
		res.ParentContext = parentDocument(fileContent, rec)
	}

	preceding := precedingContext(fileContent, rec)
	res.ContextualizedContent = e.buildContextualized(res, rec, preceding)
}

// sentenceWindow locates candidateText within fileContent and expands ±n
// sentences, where a sentence is a run terminated by ". " or a newline.
func sentenceWindow(fileContent, candidateText string, n int) string {
	if candidateText == "" {
		return ""
	}
	idx := strings.Index(fileContent, candidateText)
	if idx < 0 {
		return candidateText
	}

	sentences, boundaries := splitSentences(fileContent)
	startSentence, endSentence := -1, -1
	candidateEnd := idx + len(candidateText)
	for i, b := range boundaries {
		if startSentence == -1 && b.end > idx {
			startSentence = i
		}
		if b.start < candidateEnd {
			endSentence = i
		}
	}
	if startSentence == -1 {
		startSentence = 0
	}
	if endSentence == -1 {
		endSentence = len(sentences) - 1
	}

	lo := startSentence - n
	if lo < 0 {
		lo = 0
	}
	hi := endSentence + n
	if hi >= len(sentences) {
		hi = len(sentences) - 1
	}
	if lo > hi || hi < 0 {
		return candidateText
	}
	return strings.Join(sentences[lo:hi+1], "")
}

type sentenceBounds struct{ start, end int }

func splitSentences(text string) ([]string, []sentenceBounds) {
	var sentences []string
	var bounds []sentenceBounds

	start := 0
	i := 0
	for i < len(text) {
		if text[i] == '\n' || (text[i] == '.' && i+1 < len(text) && text[i+1] == ' ') {
			end := i + 1
			if text[i] == '.' {
				end = i + 2 // include the trailing space
			}
			if end > len(text) {
				end = len(text)
			}
			sentences = append(sentences, text[start:end])
			bounds = append(bounds, sentenceBounds{start, end})
			start = end
			i = end
			continue
		}
		i++
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
		bounds = append(bounds, sentenceBounds{start, len(text)})
	}
	return sentences, bounds
}

// parentDocument scans upward from the candidate for the nearest class or
// interface declaration and concatenates from there through the end of the
// candidate, bounded to MaxParentDocumentChars.
func parentDocument(fileContent string, rec *store.SymbolRecord) string {
	idx := strings.Index(fileContent, rec.CombinedText)
	if idx < 0 {
		idx = len(fileContent)
	}

	preceding := fileContent[:idx]
	locs := classDeclarationPattern.FindAllStringIndex(preceding, -1)
	if len(locs) == 0 {
		return ""
	}
	start := locs[len(locs)-1][0]

	end := idx + len(rec.CombinedText)
	if end > len(fileContent) {
		end = len(fileContent)
	}

	result := fileContent[start:end]
	if len(result) > MaxParentDocumentChars {
		result = result[:MaxParentDocumentChars]
	}
	return result
}

// precedingContext returns up to PrecedingContextChars of file content
// immediately preceding the candidate, or "" if unavailable.
func precedingContext(fileContent string, rec *store.SymbolRecord) string {
	if rec == nil {
		return ""
	}
	idx := strings.Index(fileContent, rec.CombinedText)
	if idx <= 0 {
		return ""
	}
	start := idx - PrecedingContextChars
	if start < 0 {
		start = 0
	}
	return strings.TrimSpace(fileContent[start:idx])
}

// buildContextualized assembles the deterministic comment header, optional
// preceding-context block, then the candidate body (spec §4.6.4).
func (e *contextExpander) buildContextualized(res *store.SearchResult, rec *store.SymbolRecord, preceding string) string {
	var b strings.Builder

	kind := "symbol"
	startLine, endLine := res.Line, res.Line
	if rec != nil {
		kind = string(rec.Kind)
		startLine, endLine = rec.StartLine, rec.EndLine
	}

	fmt.Fprintf(&b, "// File: %s\n// Kind: %s\n// Lines: %d-%d\n", res.FilePath, kind, startLine, endLine)

	if preceding != "" {
		b.WriteString("// Preceding context:\n")
		for _, line := range strings.Split(preceding, "\n") {
			b.WriteString("// ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	b.WriteString(res.Content)
	return b.String()
}
