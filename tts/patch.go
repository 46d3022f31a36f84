package tts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ignoredDirs are never part of a workspace diff.
var ignoredDirs = map[string]bool{".git": true, "node_modules": true, "__pycache__": true, ".venv": true}

// changeSet is how a workspace differs from its base.
type changeSet struct {
	patch string
	// files are the changed paths, slash separated and sorted.
	files []string
	// contents holds the new content of each changed file that still
	// exists; deleted files are absent.
	contents map[string]string
}

// diffTrees computes the unified diff that turns base into work.
func diffTrees(base, work string) (*changeSet, error) {
	baseFiles, err := listFiles(base)
	if err != nil {
		return nil, fmt.Errorf("list base: %w", err)
	}
	workFiles, err := listFiles(work)
	if err != nil {
		return nil, fmt.Errorf("list workspace: %w", err)
	}

	paths := make(map[string]bool, len(baseFiles)+len(workFiles))
	for p := range baseFiles {
		paths[p] = true
	}
	for p := range workFiles {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	cs := &changeSet{contents: make(map[string]string)}
	var sb strings.Builder
	for _, p := range sorted {
		_, inBase := baseFiles[p]
		_, inWork := workFiles[p]
		var before, after []byte
		if inBase {
			if before, err = os.ReadFile(filepath.Join(base, filepath.FromSlash(p))); err != nil {
				return nil, err
			}
		}
		if inWork {
			if after, err = os.ReadFile(filepath.Join(work, filepath.FromSlash(p))); err != nil {
				return nil, err
			}
		}
		if inBase && inWork && bytes.Equal(before, after) {
			continue
		}

		cs.files = append(cs.files, p)
		if inWork {
			cs.contents[p] = string(after)
		}
		fromFile, toFile := "a/"+p, "b/"+p
		if !inBase {
			fromFile = "/dev/null"
		}
		if !inWork {
			toFile = "/dev/null"
		}
		if isBinary(before) || isBinary(after) {
			fmt.Fprintf(&sb, "Binary files %s and %s differ\n", fromFile, toFile)
			continue
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        splitLines(before),
			B:        splitLines(after),
			FromFile: fromFile,
			ToFile:   toFile,
			Context:  3,
		})
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", p, err)
		}
		if text == "" {
			// Empty file created or deleted.
			text = fmt.Sprintf("--- %s\n+++ %s\n", fromFile, toFile)
		}
		sb.WriteString(text)
	}
	cs.patch = sb.String()
	return cs, nil
}

// splitLines splits content for diffing. A missing final newline is made
// explicit so the patch shows it.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	// SplitLines terminates the last element with a newline, which is a lone
	// "\n" when content already ended with one.
	lines := difflib.SplitLines(string(content))
	last := len(lines) - 1
	if lines[last] == "\n" {
		return lines[:last]
	}
	lines[last] += "\\ No newline at end of file\n"
	return lines
}

func isBinary(content []byte) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// listFiles returns the regular files under root keyed by slash-separated
// relative path.
func listFiles(root string) (map[string]struct{}, error) {
	files := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = struct{}{}
		return nil
	})
	return files, err
}

// generatedTests returns the changed files matching globs as test cases.
func generatedTests(cs *changeSet, globs []string, origin string, index int) []TestCase {
	var tests []TestCase
	for _, p := range cs.files {
		content, ok := cs.contents[p]
		if !ok || !isTestFile(globs, p) {
			continue
		}
		tests = append(tests, TestCase{Name: p, Path: p, Content: content, Origin: origin, OriginIndex: index})
	}
	return tests
}
