package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultReadLimit   = 2000
	defaultGrepResults = 200
)

// CoreToolOptions configures the built-in tools.
type CoreToolOptions struct {
	BashTimeout    time.Duration // default for bash calls without a timeout argument
	MaxBashTimeout time.Duration // upper bound on the timeout argument
}

func (o CoreToolOptions) withDefaults() CoreToolOptions {
	if o.BashTimeout <= 0 {
		o.BashTimeout = 30 * time.Second
	}
	if o.MaxBashTimeout <= 0 {
		o.MaxBashTimeout = 10 * time.Minute
	}
	if o.MaxBashTimeout < o.BashTimeout {
		o.MaxBashTimeout = o.BashTimeout
	}
	return o
}

// CoreTools returns the six built-in tools.
func CoreTools(opts CoreToolOptions) []Tool {
	opts = opts.withDefaults()
	return []Tool{
		newTypedTool("read_file",
			"Read a text file from the workspace. Returns line-numbered content; use start_line and end_line to read a range.",
			false, readFile),
		newTypedTool("write_file",
			"Write content to a file, creating it and any parent directories. Overwrites existing files.",
			true, writeFile),
		newTypedTool("edit_file",
			"Replace an exact text occurrence in a file. The file must have been read first. search must be unique unless replace_all is true.",
			true, editFile),
		newTypedTool("grep",
			"Search file contents with a regular expression. Returns path:line:text for each match.",
			false, grep),
		newTypedTool("glob",
			"Find files matching a glob pattern such as **/*_test.go. Returns workspace-relative paths.",
			false, globFiles),
		newTypedTool("bash",
			"Run a bash command in the workspace root. Returns combined output and the exit code.",
			true, bashRunner(opts)),
	}
}

// NewCoreRegistry builds a registry of the core tools.
func NewCoreRegistry(opts CoreToolOptions) (*ToolRegistry, error) {
	return NewToolRegistry(CoreTools(opts)...)
}

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"description=Workspace-relative path of the file to read" validate:"required"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to return (1-based)" validate:"omitempty,min=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to return (inclusive)" validate:"omitempty,min=1,gtefield=StartLine"`
}

func readFile(_ context.Context, args readFileArgs, env ExecutionEnvironment) (string, error) {
	content, err := env.ReadFile(args.Path)
	if err != nil {
		return "", err
	}
	env.RecordRead(args.Path)

	lines := strings.Split(content, "\n")
	if strings.HasSuffix(content, "\n") {
		lines = lines[:len(lines)-1]
	}
	start := 1
	if args.StartLine > 0 {
		start = args.StartLine
	}
	end := len(lines)
	if args.EndLine > 0 && args.EndLine < end {
		end = args.EndLine
	}
	if args.EndLine == 0 && end-start+1 > defaultReadLimit {
		end = start + defaultReadLimit - 1
	}
	if start > len(lines) {
		return fmt.Sprintf("[%s has %d lines]", args.Path, len(lines)), nil
	}

	var sb strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i, lines[i-1])
	}
	if end < len(lines) && args.EndLine == 0 {
		fmt.Fprintf(&sb, "[truncated at line %d of %d; pass start_line to continue]\n", end, len(lines))
	}
	return sb.String(), nil
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Workspace-relative path of the file to write" validate:"required"`
	Content string `json:"content" jsonschema:"description=Full file content"`
}

func writeFile(_ context.Context, args writeFileArgs, env ExecutionEnvironment) (string, error) {
	if err := env.WriteFile(args.Path, args.Content); err != nil {
		return "", err
	}
	env.RecordRead(args.Path)
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
}

type editFileArgs struct {
	Path       string `json:"path" jsonschema:"description=Workspace-relative path of the file to edit" validate:"required"`
	Search     string `json:"search" jsonschema:"description=Exact text to find" validate:"required"`
	Replace    string `json:"replace" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

func editFile(_ context.Context, args editFileArgs, env ExecutionEnvironment) (string, error) {
	if !env.WasRead(args.Path) {
		return "", fmt.Errorf("read %s with read_file before editing it", args.Path)
	}
	content, err := env.ReadFile(args.Path)
	if err != nil {
		return "", err
	}

	count := strings.Count(content, args.Search)
	switch {
	case count == 0:
		return "", fmt.Errorf("search text not found in %s", args.Path)
	case count > 1 && !args.ReplaceAll:
		return "", fmt.Errorf("search text found %d times in %s; add context to make it unique or set replace_all", count, args.Path)
	}

	replaced := 1
	var updated string
	if args.ReplaceAll {
		updated = strings.ReplaceAll(content, args.Search, args.Replace)
		replaced = count
	} else {
		updated = strings.Replace(content, args.Search, args.Replace, 1)
	}
	if err := env.WriteFile(args.Path, updated); err != nil {
		return "", err
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, args.Path), nil
}

type grepArgs struct {
	Pattern   string `json:"pattern" jsonschema:"description=Regular expression (RE2 syntax)" validate:"required"`
	PathScope string `json:"path_scope,omitempty" jsonschema:"description=Directory or file to search; defaults to the workspace root"`
	Glob      string `json:"glob,omitempty" jsonschema:"description=Only search files matching this glob"`
}

func grep(ctx context.Context, args grepArgs, env ExecutionEnvironment) (string, error) {
	matches, err := env.Grep(ctx, args.Pattern, args.PathScope, args.Glob, defaultGrepResults)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No matches found.", nil
	}
	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "%s:%d:%s\n", m.Path, m.Line, m.Text)
	}
	if len(matches) == defaultGrepResults {
		fmt.Fprintf(&sb, "[stopped after %d matches; narrow the pattern or scope]\n", defaultGrepResults)
	}
	return sb.String(), nil
}

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern relative to the workspace root; ** matches any depth" validate:"required"`
}

func globFiles(_ context.Context, args globArgs, env ExecutionEnvironment) (string, error) {
	matches, err := env.Glob(args.Pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "No files matched.", nil
	}
	return strings.Join(matches, "\n") + "\n", nil
}

type bashArgs struct {
	Command string `json:"command" jsonschema:"description=Command line passed to bash -c" validate:"required"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds" validate:"omitempty,min=1"`
}

func bashRunner(opts CoreToolOptions) func(context.Context, bashArgs, ExecutionEnvironment) (string, error) {
	return func(ctx context.Context, args bashArgs, env ExecutionEnvironment) (string, error) {
		timeout := opts.BashTimeout
		if args.Timeout > 0 {
			// Clamp in seconds so huge values cannot overflow the conversion.
			secs := min(int64(args.Timeout), int64(opts.MaxBashTimeout/time.Second))
			timeout = time.Duration(secs) * time.Second
		}
		if timeout > opts.MaxBashTimeout {
			timeout = opts.MaxBashTimeout
		}

		res, err := env.ExecCommand(ctx, args.Command, timeout)
		if err != nil {
			return "", err
		}
		out := res.Output()
		if res.TimedOut {
			return out, fmt.Errorf("%w: command exceeded %s", ErrToolTimeout, timeout)
		}
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		return fmt.Sprintf("%s[exit code: %d]", out, res.ExitCode), nil
	}
}
