package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Workspace is the isolated arena of one trajectory.
type Workspace struct {
	TrajectoryID string
	Index        int
	// Dir is the workspace root on this host.
	Dir string
	// InstanceID names the workspace on the sandbox in remote mode.
	InstanceID string
}

// WorkspaceFactory provisions and releases per-trajectory workspaces.
type WorkspaceFactory interface {
	Provision(ctx context.Context, trajectoryID string, index int) (*Workspace, error)
	Release(ws *Workspace) error
}

// CopyFactory provisions each workspace as a copy of Base under Root. With
// Remote set, the instance id is the directory name, so a sandbox rooted at
// Root resolves it to the same copy.
type CopyFactory struct {
	Base   string
	Root   string
	Remote bool
}

// NewCopyFactory creates a CopyFactory. An empty root uses a fresh
// temporary directory.
func NewCopyFactory(base, root string, remote bool) (*CopyFactory, error) {
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("workspace base: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace base %s is not a directory", base)
	}
	if root == "" {
		root, err = os.MkdirTemp("", "fusion-tts-*")
		if err != nil {
			return nil, err
		}
	} else if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if rel, err := filepath.Rel(absBase, absRoot); err == nil && !filepath.IsAbs(rel) && rel != ".." && !startsWithParent(rel) {
		return nil, errors.New("workspace root must not be inside the base directory")
	}
	return &CopyFactory{Base: absBase, Root: absRoot, Remote: remote}, nil
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func (f *CopyFactory) Provision(ctx context.Context, trajectoryID string, index int) (*Workspace, error) {
	dir := filepath.Join(f.Root, trajectoryID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("workspace %s already exists", dir)
	}
	if err := copyTree(ctx, f.Base, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("provision %s: %w", trajectoryID, err)
	}
	ws := &Workspace{TrajectoryID: trajectoryID, Index: index, Dir: dir}
	if f.Remote {
		ws.InstanceID = trajectoryID
	}
	return ws, nil
}

func (f *CopyFactory) Release(ws *Workspace) error {
	return os.RemoveAll(ws.Dir)
}

// copyTree copies src into dst, preserving modes and symlinks.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
