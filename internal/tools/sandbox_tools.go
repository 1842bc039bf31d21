package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/pantheon/internal/fetch"
)

func (d *Dispatcher) registerSandboxTools() {
	sb := d.cfg.Sandbox
	if sb.Files != nil {
		d.registerFileTools()
	}
	if sb.Exec != nil {
		d.register(&Tool{
			Name:        ExecuteCommand,
			Description: "Run an allow-listed command in the workspace. No shell: pipes, redirects, and substitutions are refused.",
			Params: []Param{
				{Name: "command", Type: "string", Description: "The command line, e.g. \"grep -n TODO notes.txt\"."},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				command, err := requiredString(args, "command")
				if err != nil {
					return "", err
				}
				res, err := sb.Exec.Run(ctx, command)
				if err != nil {
					return "", err
				}
				return res.Format(), nil
			},
		})
	}
	if sb.Code != nil {
		d.register(&Tool{
			Name:        RunPython,
			Description: "Run a Python script in the workspace and return its output.",
			Params: []Param{
				{Name: "code", Type: "string", Description: "Complete Python source."},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				code, err := requiredString(args, "code")
				if err != nil {
					return "", err
				}
				res, err := sb.Code.Run(ctx, code)
				if err != nil {
					return "", err
				}
				return res.Format(), nil
			},
		})
	}
	if sb.Fetch != nil {
		d.register(&Tool{
			Name:        FetchURL,
			Description: "Fetch a web page over http or https and return its readable text.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "The absolute URL."},
			},
			Handler: fetch.ToolHandler(sb.Fetch),
		})
	}

	d.register(&Tool{
		Name:        GetWorkspaceInfo,
		Description: "Describe the workspace and which sandbox capabilities are available.",
		Handler:     d.handleWorkspaceInfo,
	})
}

func (d *Dispatcher) registerFileTools() {
	files := d.cfg.Sandbox.Files

	d.register(&Tool{
		Name:        ReadFile,
		Description: "Read a text file from the workspace.",
		Params:      []Param{{Name: "path", Type: "string", Description: "Path relative to the workspace."}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requiredString(args, "path")
			if err != nil {
				return "", err
			}
			return files.Read(ctx, path)
		},
	})

	d.register(&Tool{
		Name:        WriteFile,
		Description: "Create or overwrite a file in the workspace. Parent directories are created.",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Path relative to the workspace."},
			{Name: "content", Type: "string", Description: "The full file content."},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requiredString(args, "path")
			if err != nil {
				return "", err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			if err := files.Write(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s.", len(content), path), nil
		},
	})

	d.register(&Tool{
		Name:        AppendFile,
		Description: "Append to a file in the workspace, creating it if needed.",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Path relative to the workspace."},
			{Name: "content", Type: "string", Description: "Text to append."},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requiredString(args, "path")
			if err != nil {
				return "", err
			}
			content, err := stringArg(args, "content")
			if err != nil {
				return "", err
			}
			if err := files.Append(ctx, path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Appended %d bytes to %s.", len(content), path), nil
		},
	})

	d.register(&Tool{
		Name:        ListFiles,
		Description: "List a directory in the workspace. Directories end with /.",
		Params:      []Param{{Name: "path", Type: "string", Description: "Directory relative to the workspace.", Default: `"."`}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := optionalString(args, "path", ".")
			entries, err := files.List(ctx, path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(entries, "\n"), nil
		},
	})

	d.register(&Tool{
		Name:        DeleteFile,
		Description: "Delete a file from the workspace. Directories cannot be deleted.",
		Params:      []Param{{Name: "path", Type: "string", Description: "Path relative to the workspace."}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requiredString(args, "path")
			if err != nil {
				return "", err
			}
			if err := files.Delete(ctx, path); err != nil {
				return "", err
			}
			return fmt.Sprintf("Deleted %s.", path), nil
		},
	})

	d.register(&Tool{
		Name:        FindFiles,
		Description: "Find files whose name or relative path matches a glob such as *.md.",
		Params:      []Param{{Name: "pattern", Type: "string", Description: "Glob pattern."}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := requiredString(args, "pattern")
			if err != nil {
				return "", err
			}
			hits, err := files.Find(ctx, pattern)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return fmt.Sprintf("No files match %s.", pattern), nil
			}
			return strings.Join(hits, "\n"), nil
		},
	})

	d.register(&Tool{
		Name:        SearchFiles,
		Description: "Search file contents with a regular expression. Results are path:line: text.",
		Params: []Param{
			{Name: "pattern", Type: "string", Description: "Regular expression."},
			{Name: "file_pattern", Type: "string", Description: "Glob limiting which files are searched.", Default: `"*"`},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := requiredString(args, "pattern")
			if err != nil {
				return "", err
			}
			matches, err := files.Search(ctx, pattern, optionalString(args, "file_pattern", "*"))
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches.", nil
			}
			lines := make([]string, len(matches))
			for i, m := range matches {
				lines[i] = m.String()
			}
			return strings.Join(lines, "\n"), nil
		},
	})

	d.register(&Tool{
		Name:        EditFile,
		Description: "Replace exact text in a file. The old text must occur once unless replace_all is true.",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Path relative to the workspace."},
			{Name: "old_text", Type: "string", Description: "Exact text to find."},
			{Name: "new_text", Type: "string", Description: "Replacement text."},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence.", Default: "false"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requiredString(args, "path")
			if err != nil {
				return "", err
			}
			oldText, err := requiredString(args, "old_text")
			if err != nil {
				return "", err
			}
			newText, err := stringArg(args, "new_text")
			if err != nil {
				return "", err
			}
			n, err := files.Edit(ctx, path, oldText, newText, boolArg(args, "replace_all", false))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s.", n, path), nil
		},
	})
}

func (d *Dispatcher) handleWorkspaceInfo(ctx context.Context, args map[string]any) (string, error) {
	sb := d.cfg.Sandbox
	var b strings.Builder
	if sb.Files != nil {
		fmt.Fprintf(&b, "Workspace: %s\n", sb.Files.Root().Path())
		fmt.Fprintf(&b, "Paths are relative to the workspace and cannot leave it.\n")
	}
	if sb.Exec != nil {
		fmt.Fprintf(&b, "Allowed commands: %s\n", strings.Join(sb.Exec.Allowed(), ", "))
	} else {
		b.WriteString("Command execution: disabled\n")
	}
	if sb.Code != nil {
		fmt.Fprintf(&b, "Code interpreter: %s\n", sb.Code.Interpreter())
	}
	if sb.Fetch != nil {
		fmt.Fprintf(&b, "URL fetch: http and https, up to %d bytes\n", sb.Fetch.MaxBytes())
	}

	var names []string
	for _, t := range d.Tools() {
		names = append(names, string(t.Name))
	}
	fmt.Fprintf(&b, "Functions: %s", strings.Join(names, ", "))
	return b.String(), nil
}
