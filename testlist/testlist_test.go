package testlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTests = `package pkg

import "testing"

// TestLogin checks the login flow.
//
//qastudio:id QA-123
//qastudio:priority HIGH
//qastudio:tags smoke, auth ,,
func TestLogin(t *testing.T) {}

// TestCheckout covers checkout.
// QAStudio ID: QA-200
func TestCheckout(t *testing.T) {}

//qastudio:priority urgent
func TestUndocumented(t *testing.T) {}

func TestMain(m *testing.M) {}

func BenchmarkLogin(b *testing.B) {}

type suite struct{}

func (suite) TestMethod(t *testing.T) {}
`

func createTestFiles(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, "login_test.go"), []byte(sampleTests), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "helper.go"), []byte("package pkg\n\nfunc TestHelper() {}\n"), 0644)
}

func createModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module github.com/test/module\n\ngo 1.21\n"), 0644))
	pkgDir := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	require.NoError(t, createTestFiles(pkgDir))
	return dir
}

func TestFindTestFunctions(t *testing.T) {
	tests := []struct {
		name    string
		pkgPath string
	}{
		{name: "module path", pkgPath: "github.com/test/module/pkg"},
		{name: "relative path", pkgPath: "./pkg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := createModule(t)

			docs, err := FindTestFunctions(tt.pkgPath, dir)
			require.NoError(t, err)

			names := make([]string, 0, len(docs))
			byName := make(map[string]TestDoc)
			for _, d := range docs {
				names = append(names, d.Name)
				byName[d.Name] = d
			}
			require.ElementsMatch(t, []string{"TestLogin", "TestCheckout", "TestUndocumented"}, names)

			login := byName["TestLogin"]
			assert.Equal(t, tt.pkgPath, login.Package)
			assert.Equal(t, "TestLogin checks the login flow.", login.Doc)
			assert.Equal(t, "QA-123", login.ID)
			assert.Equal(t, "high", login.Priority)
			assert.Equal(t, []string{"smoke", "auth"}, login.Tags)

			checkout := byName["TestCheckout"]
			assert.Empty(t, checkout.ID)
			assert.Contains(t, checkout.Doc, "QAStudio ID: QA-200")

			undocumented := byName["TestUndocumented"]
			assert.Empty(t, undocumented.Doc)
			assert.Empty(t, undocumented.Priority, "unknown priorities are ignored")
		})
	}
}

func TestFindTestFunctionsErrors(t *testing.T) {
	tests := []struct {
		name    string
		pkgPath string
		setup   func(string) error
		wantErr string
	}{
		{
			name:    "missing go.mod for module path",
			pkgPath: "github.com/test/module/pkg",
			wantErr: "failed to find go.mod",
		},
		{
			name:    "invalid go.mod",
			pkgPath: "github.com/test/module/pkg",
			setup: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, "go.mod"), []byte("invalid content"), 0644)
			},
			wantErr: "failed to parse go.mod",
		},
		{
			name:    "package not in module",
			pkgPath: "github.com/test/module-other/pkg",
			setup: func(dir string) error {
				return os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module github.com/test/module\n\ngo 1.21\n"), 0644)
			},
			wantErr: "package github.com/test/module-other/pkg is not in module github.com/test/module",
		},
		{
			name:    "relative path not found",
			pkgPath: "./nonexistent",
			wantErr: "failed to read package directory",
		},
		{
			name:    "unparsable test file",
			pkgPath: "./broken",
			setup: func(dir string) error {
				if err := os.MkdirAll(filepath.Join(dir, "broken"), 0755); err != nil {
					return err
				}
				return os.WriteFile(filepath.Join(dir, "broken", "x_test.go"), []byte("package broken\nfunc {"), 0644)
			},
			wantErr: "failed to parse x_test.go",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			if tt.setup != nil {
				require.NoError(t, tt.setup(tmpDir))
			}

			_, err := FindTestFunctions(tt.pkgPath, tmpDir)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIndexLookup(t *testing.T) {
	dir := createModule(t)
	idx := NewIndex(dir, log.NewLogger(log.DiscardHandler()))

	doc, ok := idx.Lookup("github.com/test/module/pkg", "TestLogin")
	require.True(t, ok)
	assert.Equal(t, "QA-123", doc.ID)

	// the package is cached, later changes on disk are not seen
	require.NoError(t, os.Remove(filepath.Join(dir, "pkg", "login_test.go")))
	_, ok = idx.Lookup("github.com/test/module/pkg", "TestCheckout")
	assert.True(t, ok)

	_, ok = idx.Lookup("github.com/test/module/pkg", "TestMissing")
	assert.False(t, ok)

	_, ok = idx.Lookup("github.com/elsewhere/pkg", "TestLogin")
	assert.False(t, ok)

	var nilIndex *Index
	_, ok = nilIndex.Lookup("github.com/test/module/pkg", "TestLogin")
	assert.False(t, ok)
}
