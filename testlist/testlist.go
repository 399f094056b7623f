// Package testlist reads the doc comments of Go test functions so that case
// identifiers and metadata declared in source reach the reporter.
//
// A test declares metadata with directives in its doc comment:
//
//	// TestLogin checks the happy path.
//	//
//	//qastudio:id QA-123
//	//qastudio:priority high
//	//qastudio:tags smoke,auth
//	func TestLogin(t *testing.T) {
package testlist

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/modfile"
)

const directivePrefix = "//qastudio:"

var priorities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// TestDoc is what the source says about one test function.
type TestDoc struct {
	Package  string
	Name     string
	Doc      string // doc comment text without directives
	ID       string // explicit case identifier
	Priority string
	Tags     []string
}

// FindTestFunctions takes a package path and working directory, and returns
// the documented test functions of the package.
func FindTestFunctions(pkgPath string, workingDir string) ([]TestDoc, error) {
	pkgDir, err := packageDir(pkgPath, workingDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var docs []TestDoc
	fset := token.NewFileSet()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}

		filePath := filepath.Join(pkgDir, entry.Name())
		f, err := parser.ParseFile(fset, filePath, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		for _, decl := range f.Decls {
			funcDecl, ok := decl.(*ast.FuncDecl)
			if !ok || funcDecl.Recv != nil {
				continue
			}
			name := funcDecl.Name.Name
			if !strings.HasPrefix(name, "Test") || name == "TestMain" {
				continue
			}

			doc := TestDoc{Package: pkgPath, Name: name}
			if funcDecl.Doc != nil {
				doc.Doc = strings.TrimSpace(funcDecl.Doc.Text())
				applyDirectives(&doc, funcDecl.Doc)
			}
			docs = append(docs, doc)
		}
	}

	return docs, nil
}

// packageDir resolves a package import path (or ./relative path) to its
// directory inside the module rooted at workingDir.
func packageDir(pkgPath string, workingDir string) (string, error) {
	if pkgPath == "." || strings.HasPrefix(pkgPath, "./") {
		return filepath.Join(workingDir, strings.TrimPrefix(pkgPath, "./")), nil
	}

	goModPath := filepath.Join(workingDir, "go.mod")
	goModContent, err := os.ReadFile(goModPath)
	if err != nil {
		return "", fmt.Errorf("failed to find go.mod: %w", err)
	}

	modFile, err := modfile.Parse(goModPath, goModContent, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse go.mod: %w", err)
	}
	if modFile.Module == nil || modFile.Module.Mod.Path == "" {
		return "", fmt.Errorf("could not find module name in go.mod")
	}
	moduleName := modFile.Module.Mod.Path

	if pkgPath != moduleName && !strings.HasPrefix(pkgPath, moduleName+"/") {
		return "", fmt.Errorf("package %s is not in module %s", pkgPath, moduleName)
	}
	relPath := strings.TrimPrefix(strings.TrimPrefix(pkgPath, moduleName), "/")
	return filepath.Join(workingDir, filepath.FromSlash(relPath)), nil
}

// applyDirectives reads //qastudio: directives, which CommentGroup.Text
// leaves out of the doc text.
func applyDirectives(doc *TestDoc, cg *ast.CommentGroup) {
	for _, c := range cg.List {
		rest, ok := strings.CutPrefix(c.Text, directivePrefix)
		if !ok {
			continue
		}
		key, value, _ := strings.Cut(rest, " ")
		value = strings.TrimSpace(value)
		switch key {
		case "id":
			doc.ID = value
		case "priority":
			if p := strings.ToLower(value); priorities[p] {
				doc.Priority = p
			}
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					doc.Tags = append(doc.Tags, tag)
				}
			}
		}
	}
}

// Index looks up test docs by package and test name, reading each package at
// most once.
type Index struct {
	workingDir string
	log        log.Logger

	mu   sync.Mutex
	pkgs map[string]map[string]TestDoc
}

// NewIndex creates an Index over the module rooted at workingDir.
func NewIndex(workingDir string, logger log.Logger) *Index {
	if logger == nil {
		logger = log.New()
	}
	return &Index{
		workingDir: workingDir,
		log:        logger,
		pkgs:       make(map[string]map[string]TestDoc),
	}
}

// Lookup returns the doc of a top level test. Packages that cannot be read
// (for example packages outside the module) simply have no docs.
func (i *Index) Lookup(pkgPath, testName string) (TestDoc, bool) {
	if i == nil {
		return TestDoc{}, false
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	docs, ok := i.pkgs[pkgPath]
	if !ok {
		docs = make(map[string]TestDoc)
		found, err := FindTestFunctions(pkgPath, i.workingDir)
		if err != nil {
			i.log.Debug("No test docs for package", "package", pkgPath, "err", err)
		}
		for _, d := range found {
			docs[d.Name] = d
		}
		i.pkgs[pkgPath] = docs
	}

	doc, ok := docs[testName]
	return doc, ok
}
