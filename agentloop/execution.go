package agentloop

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrOutsideWorkspace is returned for paths that resolve outside the root.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// GrepMatch is one matching line.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// ExecutionEnvironment is the workspace tools operate on. Paths are
// relative to WorkingDirectory; anything resolving outside it is rejected.
type ExecutionEnvironment interface {
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
	FileExists(path string) bool
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Grep(ctx context.Context, pattern, scope, glob string, maxResults int) ([]GrepMatch, error)
	Glob(pattern string) ([]string, error)

	// RecordRead and WasRead track which files the agent has looked at so
	// edits can require a prior read.
	RecordRead(path string)
	WasRead(path string) bool

	WorkingDirectory() string
	Platform() string
}

var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment drops credentials so model-issued commands cannot read them.
func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// skipDirs are never descended into by grep.
var skipDirs = map[string]bool{".git": true, "node_modules": true, "__pycache__": true, ".venv": true}

// LocalExecutionEnvironment runs tools against a directory on this machine.
type LocalExecutionEnvironment struct {
	root string

	mu   sync.Mutex
	read map[string]bool
}

// NewLocalExecutionEnvironment creates an environment rooted at root.
func NewLocalExecutionEnvironment(root string) (*LocalExecutionEnvironment, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &LocalExecutionEnvironment{root: abs, read: make(map[string]bool)}, nil
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.root }

func (e *LocalExecutionEnvironment) Platform() string { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalExecutionEnvironment) resolvePath(path string) (string, error) {
	if path == "" {
		return e.root, nil
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(e.root, path)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(e.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return resolved, nil
}

func (e *LocalExecutionEnvironment) ReadFile(path string) (string, error) {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalExecutionEnvironment) WriteFile(path string, content string) error {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalExecutionEnvironment) FileExists(path string) bool {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

func (e *LocalExecutionEnvironment) trackKey(path string) string {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return path
	}
	return resolved
}

func (e *LocalExecutionEnvironment) RecordRead(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.read[e.trackKey(path)] = true
}

func (e *LocalExecutionEnvironment) WasRead(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.read[e.trackKey(path)]
}

// ExecCommand runs command with bash in the workspace root. On timeout the
// whole process group is killed and TimedOut is set; a non-zero exit is not
// an error.
func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = e.root
	cmd.Env = filterEnvironment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec: %w", err)
		}
	}
	return result, nil
}

// Grep searches files under scope for lines matching the regular expression
// pattern. glob filters file paths relative to the workspace; a glob without
// a slash matches base names.
func (e *LocalExecutionEnvironment) Grep(ctx context.Context, pattern, scope, glob string, maxResults int) ([]GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return nil, fmt.Errorf("invalid glob %q", glob)
	}
	base, err := e.resolvePath(scope)
	if err != nil {
		return nil, err
	}

	var matches []GrepMatch
	errLimit := errors.New("limit reached")
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != base && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(e.root, path)
		rel = filepath.ToSlash(rel)
		if glob != "" {
			subject := rel
			if !strings.Contains(glob, "/") {
				subject = d.Name()
			}
			if ok, _ := doublestar.Match(glob, subject); !ok {
				return nil
			}
		}
		found, err := grepFile(path, rel, re)
		if err != nil {
			return nil
		}
		for _, m := range found {
			matches = append(matches, m)
			if maxResults > 0 && len(matches) >= maxResults {
				return errLimit
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errLimit) {
		return matches, walkErr
	}
	return matches, nil
}

func grepFile(path, rel string, re *regexp.Regexp) ([]GrepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 8000)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, nil // binary
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var found []GrepMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if text := scanner.Text(); re.MatchString(text) {
			found = append(found, GrepMatch{Path: rel, Line: line, Text: text})
		}
	}
	return found, scanner.Err()
}

// Glob returns workspace-relative paths of files matching a doublestar
// pattern, sorted.
func (e *LocalExecutionEnvironment) Glob(pattern string) ([]string, error) {
	pattern = filepath.ToSlash(pattern)
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "../") || strings.Contains(pattern, "/../") {
		return nil, fmt.Errorf("%w: %s", ErrOutsideWorkspace, pattern)
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(e.root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}
