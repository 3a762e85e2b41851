package runner

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/joshharrison/taskloom/internal/graph"
)

// CommandData is what a task's command template can reference, e.g.
// `make test PKG={{.Metadata.pkg}}` or `echo {{.Name}}`.
type CommandData struct {
	TaskID      string
	SessionID   string
	ParentID    string
	Name        string
	Description string
	Tags        []string
	Metadata    map[string]string
}

func commandData(t graph.Task) CommandData {
	return CommandData{
		TaskID:      t.ID,
		SessionID:   t.SessionID,
		ParentID:    t.ParentID,
		Name:        t.Name,
		Description: t.Description,
		Tags:        t.Tags,
		Metadata:    t.Metadata,
	}
}

// RenderCommand expands the task's command template.
func RenderCommand(tmplStr string, t graph.Task) (string, error) {
	tmpl, err := template.New("command").Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parse command for %s: %w", t.ID, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, commandData(t)); err != nil {
		return "", fmt.Errorf("render command for %s: %w", t.ID, err)
	}
	return buf.String(), nil
}
