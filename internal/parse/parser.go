// Package parse provides a tree-sitter-backed SymbolParser, the reference
// implementation of the external AST/PSI walker the Indexing Coordinator
// depends on (internal/index.SymbolParser). A host IDE would supply its own
// source-of-truth parser; this one exists so the CLI and tests have a real,
// working adapter rather than a stub.
package parse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeindex/codeindex/internal/chunk"
	"github.com/codeindex/codeindex/internal/store"
)

// TreeSitterParser walks a file's tree-sitter AST and emits one CodeSymbol
// per top-level function, method, class, interface, type, constant, or
// variable declaration. Languages without tree-sitter support are skipped.
type TreeSitterParser struct {
	root      string
	parser    *chunk.Parser
	extractor *chunk.SymbolExtractor
	registry  *chunk.LanguageRegistry
}

// NewTreeSitterParser creates a parser rooted at root; CodeSymbol.FilePath
// is reported relative to root.
func NewTreeSitterParser(root string) *TreeSitterParser {
	registry := chunk.DefaultRegistry()
	return &TreeSitterParser{
		root:      root,
		parser:    chunk.NewParserWithRegistry(registry),
		extractor: chunk.NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
	}
}

// Close releases the underlying tree-sitter parser.
func (p *TreeSitterParser) Close() {
	p.parser.Close()
}

// ParseFile reads path and returns the CodeSymbols it defines. An
// unsupported extension is not an error: it yields an empty slice so the
// Coordinator simply records the file with no symbols.
func (p *TreeSitterParser) ParseFile(ctx context.Context, path string) ([]*store.CodeSymbol, error) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := p.registry.GetByExtension(ext)
	if !ok {
		return nil, nil
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	tree, err := p.parser.Parse(ctx, source, lang.Name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	relPath := path
	if rel, err := filepath.Rel(p.root, path); err == nil {
		relPath = rel
	}

	pkg := extractPackageName(source, lang.Name)
	lines := strings.Split(string(source), "\n")

	symbols := p.extractor.Extract(tree, source)
	out := make([]*store.CodeSymbol, 0, len(symbols))
	seen := make(map[string]int) // disambiguates repeated names (overloads, const blocks)

	for _, sym := range symbols {
		kind := mapSymbolKind(sym.Type)
		id := relPath + "#" + sym.Name
		if n := seen[id]; n > 0 {
			id = fmt.Sprintf("%s:%d", id, sym.StartLine)
		}
		seen[relPath+"#"+sym.Name]++

		out = append(out, &store.CodeSymbol{
			ID:        id,
			Kind:      kind,
			Signature: sym.Signature,
			FilePath:  relPath,
			StartLine: sym.StartLine,
			EndLine:   sym.EndLine,
			Metadata: store.SymbolMetadata{
				Package:    pkg,
				DocComment: sym.DocComment,
			},
			BodyText: bodyText(lines, sym.StartLine, sym.EndLine),
		})
	}

	return out, nil
}

// mapSymbolKind translates the chunker's flatter SymbolType into the data
// model's closed SymbolKind set. Top-level type declarations (structs,
// Go's type keyword in general) are reported as classes; there is no
// syntactic signal in the generic extractor to distinguish an enum from a
// plain type, so enums are left to parsers with language-specific semantics.
func mapSymbolKind(t chunk.SymbolType) store.SymbolKind {
	switch t {
	case chunk.SymbolTypeMethod:
		return store.KindMethod
	case chunk.SymbolTypeClass:
		return store.KindClass
	case chunk.SymbolTypeInterface:
		return store.KindInterface
	case chunk.SymbolTypeType:
		return store.KindClass
	case chunk.SymbolTypeConstant, chunk.SymbolTypeVariable:
		return store.KindField
	default:
		return store.KindFreeFunc
	}
}

// extractPackageName does a best-effort scan for the file's package/module
// declaration; used only to populate SymbolMetadata.Package for CR-1
// contextual generation and name-index filtering.
func extractPackageName(source []byte, language string) string {
	if language != "go" {
		return ""
	}
	for _, line := range strings.Split(string(source), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "package "))
		}
	}
	return ""
}

// bodyText reconstructs the symbol's source text from the 1-indexed,
// inclusive [start, end] line range.
func bodyText(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end || start > len(lines) {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}
