package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadFileTool reads file contents inside the workspace.
type ReadFileTool struct {
	policy *PathPolicy
}

func NewReadFileTool(policy *PathPolicy) *ReadFileTool { return &ReadFileTool{policy: policy} }

func (t *ReadFileTool) Name() string           { return "read_file" }
func (t *ReadFileTool) Description() string    { return "Read the contents of a file" }
func (t *ReadFileTool) Capability() Capability { return CapReadFS }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	resolved, err := t.policy.Resolve(path)
	if err != nil {
		return DeniedResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	return NewResult(string(data))
}

// WriteFileTool writes file contents inside the workspace.
type WriteFileTool struct {
	policy *PathPolicy
}

func NewWriteFileTool(policy *PathPolicy) *WriteFileTool { return &WriteFileTool{policy: policy} }

func (t *WriteFileTool) Name() string           { return "write_file" }
func (t *WriteFileTool) Description() string    { return "Write content to a file, creating parent directories" }
func (t *WriteFileTool) Capability() Capability { return CapWriteFS }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := t.policy.Resolve(path)
	if err != nil {
		return DeniedResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)).withTarget(resolved)
}

// ListFilesTool lists the tree under a workspace directory.
type ListFilesTool struct {
	policy *PathPolicy
}

func NewListFilesTool(policy *PathPolicy) *ListFilesTool { return &ListFilesTool{policy: policy} }

func (t *ListFilesTool) Name() string           { return "list_files" }
func (t *ListFilesTool) Description() string    { return "List files under a directory" }
func (t *ListFilesTool) Capability() Capability { return CapReadFS }
func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root": map[string]any{
				"type":        "string",
				"description": "Directory to list (default: workspace root)",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	root, _ := args["root"].(string)
	if root == "" {
		root = "."
	}
	resolved, err := t.policy.Resolve(root)
	if err != nil {
		return DeniedResult(err.Error())
	}

	var paths []string
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != resolved {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(t.policy.Root, path)
		if rerr != nil || t.policy.IsSensitive(rel) {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list files: %v", err))
	}
	sort.Strings(paths)
	return NewResult(strings.Join(paths, "\n"))
}
