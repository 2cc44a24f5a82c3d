package locator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_c "github.com/tree-sitter/tree-sitter-c/bindings/go"
)

// Declaration is one top-level C declaration found in the source tree.
// Kind is one of struct, union, enum, typedef, macro or global.
type Declaration struct {
	Kind      string
	Name      string
	File      string
	StartLine int
	EndLine   int
	Text      string
}

// Scanner finds type, macro and global variable declarations in C sources.
// It exists as a fallback for databases shipped without the sidecar symbol
// tables. Scans are cached per directory.
type Scanner struct {
	mu    sync.RWMutex
	cache map[string][]Declaration
}

func NewScanner() *Scanner {
	return &Scanner{cache: make(map[string][]Declaration)}
}

// Declarations scans dir for C declarations, reusing a prior scan when one
// exists.
func (s *Scanner) Declarations(dir string) ([]Declaration, error) {
	s.mu.RLock()
	decls, ok := s.cache[dir]
	s.mu.RUnlock()
	if ok {
		return decls, nil
	}

	decls, err := scanDirectory(dir)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[dir] = decls
	s.mu.Unlock()
	return decls, nil
}

func scanDirectory(dir string) ([]Declaration, error) {
	var decls []Declaration

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(path, ".c") || strings.HasSuffix(path, ".h") {
			fileDecls, err := scanFile(path, dir)
			if err != nil {
				return nil
			}
			decls = append(decls, fileDecls...)
		}
		return nil
	})

	return decls, err
}

func scanFile(path, root string) ([]Declaration, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	language := sitter.NewLanguage(tree_sitter_c.Language())
	if err := parser.SetLanguage(language); err != nil {
		return nil, err
	}

	tree := parser.Parse(content, nil)
	if tree == nil {
		return nil, fmt.Errorf("failed to parse file: %s", path)
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var decls []Declaration
	collectDeclarations(tree.RootNode(), content, rel, &decls)
	return decls, nil
}

func collectDeclarations(node *sitter.Node, content []byte, file string, out *[]Declaration) {
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		switch child.Kind() {
		case "struct_specifier", "union_specifier", "enum_specifier":
			if d, ok := typeSpecifier(child, content, file); ok {
				*out = append(*out, d)
			}
		case "type_definition":
			if d, ok := typedefDeclaration(child, content, file); ok {
				*out = append(*out, d)
			}
		case "preproc_def", "preproc_function_def":
			if d, ok := macroDeclaration(child, content, file); ok {
				*out = append(*out, d)
			}
		case "declaration":
			if node.Kind() == "translation_unit" {
				*out = append(*out, globalDeclarations(child, content, file)...)
			}
		}
		collectDeclarations(child, content, file, out)
	}
}

// typeSpecifier records named struct, union and enum definitions. Anonymous
// specifiers and bare forward references are skipped.
func typeSpecifier(node *sitter.Node, content []byte, file string) (Declaration, bool) {
	name := childText(node, "type_identifier", content)
	if name == "" {
		return Declaration{}, false
	}
	if findChildByKind(node, "field_declaration_list") == nil &&
		findChildByKind(node, "enumerator_list") == nil {
		return Declaration{}, false
	}
	kind := strings.TrimSuffix(node.Kind(), "_specifier")
	return declarationAt(node, content, file, kind, name), true
}

func typedefDeclaration(node *sitter.Node, content []byte, file string) (Declaration, bool) {
	// The defined alias is the last type_identifier in the node.
	name := ""
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child.Kind() == "type_identifier" {
			name = nodeText(child, content)
		}
	}
	if name == "" {
		return Declaration{}, false
	}
	return declarationAt(node, content, file, "typedef", name), true
}

func macroDeclaration(node *sitter.Node, content []byte, file string) (Declaration, bool) {
	name := childText(node, "identifier", content)
	if name == "" {
		return Declaration{}, false
	}
	return declarationAt(node, content, file, "macro", name), true
}

// globalDeclarations records named file-scope variables. A declaration node
// can introduce several declarators.
func globalDeclarations(node *sitter.Node, content []byte, file string) []Declaration {
	var decls []Declaration
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		var name string
		switch child.Kind() {
		case "identifier":
			name = nodeText(child, content)
		case "init_declarator", "pointer_declarator", "array_declarator":
			name = innerIdentifier(child, content)
		}
		if name != "" {
			decls = append(decls, declarationAt(node, content, file, "global", name))
		}
	}
	return decls
}

func innerIdentifier(node *sitter.Node, content []byte) string {
	if node.Kind() == "identifier" {
		return nodeText(node, content)
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		if name := innerIdentifier(node.Child(i), content); name != "" {
			return name
		}
	}
	return ""
}

func declarationAt(node *sitter.Node, content []byte, file, kind, name string) Declaration {
	return Declaration{
		Kind:      kind,
		Name:      name,
		File:      file,
		StartLine: int(node.StartPosition().Row) + 1,
		EndLine:   int(node.EndPosition().Row) + 1,
		Text:      nodeText(node, content),
	}
}

func findChildByKind(node *sitter.Node, kind string) *sitter.Node {
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child.Kind() == kind {
			return child
		}
	}
	return nil
}

func childText(node *sitter.Node, kind string, content []byte) string {
	child := findChildByKind(node, kind)
	if child == nil {
		return ""
	}
	return nodeText(child, content)
}

func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}
