// internal/remediation/workspace/workspace.go
package workspace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sourabhkumawat/healops/internal/remediation/models"
)

const maxSnapshotNotes = 10

// FileSource fetches file content from the repository under remediation.
type FileSource interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// Workspace is the scratch state of one run: cached and modified files, the
// todo mirror of the plan, and free-form notes. It is never shared across runs.
type Workspace struct {
	files    map[string]string
	modified map[string]bool
	todo     []models.TodoItem
	notes    []string
}

// New returns an empty workspace.
func New() *Workspace {
	return &Workspace{
		files:    make(map[string]string),
		modified: make(map[string]bool),
	}
}

// NormalizePath makes p repository-root relative.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SetFile caches content fetched from the repository.
func (w *Workspace) SetFile(p, content string) {
	w.files[NormalizePath(p)] = content
}

// WriteFile stores new content and marks the file as a fix produced by this run.
func (w *Workspace) WriteFile(p, content string) {
	key := NormalizePath(p)
	w.files[key] = content
	w.modified[key] = true
}

// GetFile returns the cached content. A miss means "not yet fetched".
func (w *Workspace) GetFile(p string) (string, bool) {
	content, ok := w.files[NormalizePath(p)]
	return content, ok
}

// ReadThrough returns the cached content or fetches it from src and caches it.
func (w *Workspace) ReadThrough(ctx context.Context, p string, src FileSource) (string, error) {
	if content, ok := w.GetFile(p); ok {
		return content, nil
	}
	if src == nil {
		return "", fmt.Errorf("no file source configured for %s", p)
	}
	content, err := src.ReadFile(ctx, NormalizePath(p))
	if err != nil {
		return "", err
	}
	w.SetFile(p, content)
	return content, nil
}

// SetTodo replaces the todo mirror with the given plan steps.
func (w *Workspace) SetTodo(steps []models.Step) {
	w.todo = make([]models.TodoItem, len(steps))
	for i, s := range steps {
		w.todo[i] = models.TodoItem{
			StepNumber:  s.StepNumber,
			Description: s.Description,
			Status:      s.Status,
			Result:      s.Result,
		}
	}
}

// UpdateTodoStep mirrors a step transition.
func (w *Workspace) UpdateTodoStep(stepNumber int, status models.StepStatus, result string) error {
	for i := range w.todo {
		if w.todo[i].StepNumber == stepNumber {
			w.todo[i].Status = status
			if result != "" {
				w.todo[i].Result = result
			}
			return nil
		}
	}
	return fmt.Errorf("todo has no step %d", stepNumber)
}

// Todo returns a copy of the todo mirror.
func (w *Workspace) Todo() []models.TodoItem {
	return append([]models.TodoItem(nil), w.todo...)
}

// AddNote appends a run annotation.
func (w *Workspace) AddNote(note string) {
	if note = strings.TrimSpace(note); note != "" {
		w.notes = append(w.notes, note)
	}
}

// Notes returns all annotations in order.
func (w *Workspace) Notes() []string {
	return append([]string(nil), w.notes...)
}

// GetFilesDict returns a copy of the raw file map.
func (w *Workspace) GetFilesDict() map[string]string {
	out := make(map[string]string, len(w.files))
	for k, v := range w.files {
		out[k] = v
	}
	return out
}

// ModifiedFiles returns the files written during the run, sorted by path.
func (w *Workspace) ModifiedFiles() []models.FileChange {
	out := make([]models.FileChange, 0, len(w.modified))
	for _, p := range w.sortedPaths() {
		if w.modified[p] {
			out = append(out, models.FileChange{Path: p, Content: w.files[p]})
		}
	}
	return out
}

// GetWorkspaceState returns the structured snapshot used for persistence.
func (w *Workspace) GetWorkspaceState() models.WorkspaceState {
	files := make(map[string]int, len(w.files))
	for k, v := range w.files {
		files[k] = len(v)
	}
	return models.WorkspaceState{
		Files: files,
		Todo:  w.Todo(),
		Notes: w.Notes(),
	}
}

// Snapshot renders the compact text form used inside prompt contexts.
func (w *Workspace) Snapshot() string {
	var sb strings.Builder
	paths := w.sortedPaths()
	fmt.Fprintf(&sb, "Files (%d):\n", len(paths))
	for _, p := range paths {
		marker := ""
		if w.modified[p] {
			marker = " [modified]"
		}
		fmt.Fprintf(&sb, "- %s (%d bytes)%s\n", p, len(w.files[p]), marker)
	}
	if len(w.todo) > 0 {
		sb.WriteString("Todo:\n")
		for _, item := range w.todo {
			fmt.Fprintf(&sb, "- [%s] %d. %s\n", checkbox(item.Status), item.StepNumber, item.Description)
		}
	}
	if len(w.notes) > 0 {
		sb.WriteString("Notes:\n")
		notes := w.notes
		if len(notes) > maxSnapshotNotes {
			notes = notes[len(notes)-maxSnapshotNotes:]
		}
		for _, n := range notes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func checkbox(s models.StepStatus) string {
	switch s {
	case models.StepCompleted:
		return "x"
	case models.StepFailed:
		return "!"
	case models.StepInProgress:
		return ">"
	default:
		return " "
	}
}

func (w *Workspace) sortedPaths() []string {
	paths := make([]string, 0, len(w.files))
	for p := range w.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
