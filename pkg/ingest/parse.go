package ingest

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// extensionLanguage is the closed filename-extension -> language table
// spec.md §4.2 requires, covering at least python, javascript,
// typescript, java, go, rust, c, cpp (header and implementation
// variants), grounded on kraklabs-cie/pkg/ingestion/repo_loader.go's
// detectLanguageFromPath.
var extensionLanguage = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".go":   "go",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
	".hh":   "cpp",
}

// DetectLanguage returns the language for path by extension, or "" if the
// file type is not recognized (skipped, not an error, per spec.md §4.2).
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	return extensionLanguage[ext]
}

// semanticNode is one harvested function-like or class-like AST node:
// a name, a 1-indexed inclusive line span, and a byte span for content
// slicing.
type semanticNode struct {
	Name      string
	LineStart int
	LineEnd   int
	ByteStart uint32
	ByteEnd   uint32
}

// extraction is the raw harvest from one file: function-like nodes,
// class-like nodes, and the line numbers of import-like statements, per
// spec.md §4.2's three node classes.
type extraction struct {
	Functions   []semanticNode
	Classes     []semanticNode
	ImportLines []int
}

// treeSitterLanguages maps a detected language name to its compiled
// grammar, for the four languages the example pack's go-tree-sitter
// dependency vendors bindings for.
var treeSitterLanguages = map[string]*sitter.Language{
	"go":         golang.GetLanguage(),
	"python":     python.GetLanguage(),
	"javascript": javascript.GetLanguage(),
	"typescript": typescript.GetLanguage(),
}

// Parser is the Code Parser & Chunker (C2). It detects language by
// extension, extracts semantic units via tree-sitter (go/python/
// javascript/typescript) or a regex fallback (java/rust/c/cpp), and
// emits bounded-size chunks, per spec.md §4.2.
type Parser struct {
	MaxTokens int
	MinTokens int
}

// NewParser creates a Parser with the configured chunk token bounds
// (defaults: max 1024, min 50, per spec.md §4.2).
func NewParser(maxTokens, minTokens int) *Parser {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if minTokens <= 0 {
		minTokens = 50
	}
	return &Parser{MaxTokens: maxTokens, MinTokens: minTokens}
}

// ParseFile detects path's language and extracts its semantic units. A
// parse failure yields an empty extraction (logged by the caller), per
// spec.md §4.2's failure model: the pipeline continues.
func (p *Parser) ParseFile(path string, content []byte) (string, extraction, error) {
	lang := DetectLanguage(path)
	if lang == "" {
		return "", extraction{}, nil
	}

	if ts, ok := treeSitterLanguages[lang]; ok {
		ex, err := parseWithTreeSitter(content, lang, ts)
		return lang, ex, err
	}
	return lang, parseWithRegex(content, lang), nil
}

func parseWithTreeSitter(content []byte, lang string, grammar *sitter.Language) (extraction, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return extraction{}, err
	}
	defer tree.Close()

	var ex extraction
	walkSemanticNodes(tree.RootNode(), content, lang, &ex)
	return ex, nil
}

// functionNodeTypes and classNodeTypes enumerate the tree-sitter grammar
// node types that count as function-like / class-like per language, per
// spec.md §4.2's "Function-like"/"Class-like" node-class definitions.
var functionNodeTypes = map[string]map[string]bool{
	"go": {
		"function_declaration": true,
		"method_declaration":   true,
	},
	"python": {
		"function_definition": true,
	},
	"javascript": {
		"function_declaration":    true,
		"method_definition":       true,
		"generator_function_declaration": true,
	},
	"typescript": {
		"function_declaration": true,
		"method_definition":    true,
		"method_signature":     true,
	},
}

var classNodeTypes = map[string]map[string]bool{
	"go": {
		"type_declaration": true,
	},
	"python": {
		"class_definition": true,
	},
	"javascript": {
		"class_declaration": true,
	},
	"typescript": {
		"class_declaration":     true,
		"interface_declaration": true,
	},
}

var importNodeTypes = map[string]map[string]bool{
	"go": {
		"import_declaration": true,
	},
	"python": {
		"import_statement":      true,
		"import_from_statement": true,
	},
	"javascript": {
		"import_statement": true,
	},
	"typescript": {
		"import_statement": true,
	},
}

func walkSemanticNodes(node *sitter.Node, content []byte, lang string, ex *extraction) {
	if node == nil {
		return
	}

	t := node.Type()
	switch {
	case functionNodeTypes[lang][t]:
		ex.Functions = append(ex.Functions, toSemanticNode(node, content))
	case classNodeTypes[lang][t]:
		if lang == "go" && !hasStructOrInterfaceChild(node) {
			break
		}
		ex.Classes = append(ex.Classes, toSemanticNode(node, content))
	case importNodeTypes[lang][t]:
		ex.ImportLines = append(ex.ImportLines, int(node.StartPoint().Row)+1, int(node.EndPoint().Row)+1)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walkSemanticNodes(node.Child(i), content, lang, ex)
	}
}

// hasStructOrInterfaceChild narrows Go's generic "type_declaration" node
// (which also covers plain type aliases) down to struct/interface types,
// per spec.md §4.2's "struct_item"-style class-like node class.
func hasStructOrInterfaceChild(node *sitter.Node) bool {
	var hasIt func(n *sitter.Node) bool
	hasIt = func(n *sitter.Node) bool {
		if n == nil {
			return false
		}
		if n.Type() == "struct_type" || n.Type() == "interface_type" {
			return true
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if hasIt(n.Child(i)) {
				return true
			}
		}
		return false
	}
	return hasIt(node)
}

func toSemanticNode(node *sitter.Node, content []byte) semanticNode {
	return semanticNode{
		Name:      firstIdentifierName(node, content),
		LineStart: int(node.StartPoint().Row) + 1,
		LineEnd:   int(node.EndPoint().Row) + 1,
		ByteStart: node.StartByte(),
		ByteEnd:   node.EndByte(),
	}
}

// firstIdentifierName returns the first identifier-shaped child's text,
// per spec.md §4.2: "capture name (first identifier child)".
func firstIdentifierName(node *sitter.Node, content []byte) string {
	if named := node.ChildByFieldName("name"); named != nil {
		return named.Content(content)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "identifier", "type_identifier", "field_identifier", "property_identifier":
			return child.Content(content)
		}
	}
	return ""
}

// Regex-based extraction for java/rust/c/cpp, per SPEC_FULL.md §4.2: the
// example pack vendors tree-sitter grammar bindings only for go/python/
// javascript/typescript, so these four languages use a line-matcher in
// the spirit of kraklabs-cie's "simplified" parser mode.
var regexRules = map[string]struct {
	function *regexp.Regexp
	class    *regexp.Regexp
	imp      *regexp.Regexp
}{
	"java": {
		function: regexp.MustCompile(`(?m)^\s*(?:public|private|protected|static|final|synchronized|\s)+[\w<>\[\],\s]+\s+(\w+)\s*\([^;{]*\)\s*\{`),
		class:    regexp.MustCompile(`(?m)^\s*(?:public|private|protected|final|abstract|\s)*(?:class|interface|enum)\s+(\w+)`),
		imp:      regexp.MustCompile(`(?m)^\s*import\s+.+;`),
	},
	"rust": {
		function: regexp.MustCompile(`(?m)^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+(\w+)`),
		class:    regexp.MustCompile(`(?m)^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum|trait|impl)\s+(\w+)`),
		imp:      regexp.MustCompile(`(?m)^\s*use\s+[\w:{}, *]+;`),
	},
	"c": {
		function: regexp.MustCompile(`(?m)^[\w][\w\s*]*?\b(\w+)\s*\([^;{=]*\)\s*\{`),
		class:    regexp.MustCompile(`(?m)^\s*(?:typedef\s+)?struct\s+(\w+)`),
		imp:      regexp.MustCompile(`(?m)^\s*#include\s+[<"][^>"]+[>"]`),
	},
	"cpp": {
		function: regexp.MustCompile(`(?m)^[\w][\w\s*:<>&]*?\b(\w+)\s*\([^;{=]*\)\s*(?:const\s*)?\{`),
		class:    regexp.MustCompile(`(?m)^\s*(?:class|struct)\s+(\w+)`),
		imp:      regexp.MustCompile(`(?m)^\s*#include\s+[<"][^>"]+[>"]`),
	},
}

func parseWithRegex(content []byte, lang string) extraction {
	rules, ok := regexRules[lang]
	if !ok {
		return extraction{}
	}
	text := string(content)
	lineOffsets := computeLineOffsets(text)

	var ex extraction
	for _, m := range rules.function.FindAllStringSubmatchIndex(text, -1) {
		ex.Functions = append(ex.Functions, regexMatchToNode(text, lineOffsets, m))
	}
	for _, m := range rules.class.FindAllStringSubmatchIndex(text, -1) {
		ex.Classes = append(ex.Classes, regexMatchToNode(text, lineOffsets, m))
	}
	for _, loc := range rules.imp.FindAllStringIndex(text, -1) {
		startLine := lineForOffset(lineOffsets, loc[0])
		ex.ImportLines = append(ex.ImportLines, startLine, startLine)
	}
	return ex
}

// regexMatchToNode builds a semanticNode from a regex match whose second
// capture group (index 2,3 in FindAllStringSubmatchIndex output) is the
// identifier name. The node's span runs from the match start to the next
// blank line or closing brace at column 0, a heuristic bound good enough
// for the token-threshold chunking rules that follow.
func regexMatchToNode(text string, lineOffsets []int, m []int) semanticNode {
	name := ""
	if len(m) >= 4 && m[2] >= 0 {
		name = text[m[2]:m[3]]
	}
	startLine := lineForOffset(lineOffsets, m[0])
	endByte := findBlockEnd(text, m[1])
	endLine := lineForOffset(lineOffsets, endByte)

	return semanticNode{
		Name:      name,
		LineStart: startLine,
		LineEnd:   endLine,
		ByteStart: uint32(m[0]),
		ByteEnd:   uint32(endByte),
	}
}

// findBlockEnd scans forward from a just-opened `{` tracking brace depth
// to find the matching close, or falls back to end-of-text.
func findBlockEnd(text string, from int) int {
	depth := 0
	started := false
	for i := from; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth <= 0 {
				return i + 1
			}
		}
	}
	return len(text)
}

func computeLineOffsets(text string) []int {
	offsets := []int{0}
	for i, c := range text {
		if c == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func lineForOffset(offsets []int, pos int) int {
	lo, hi := 0, len(offsets)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if offsets[mid] <= pos {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}
