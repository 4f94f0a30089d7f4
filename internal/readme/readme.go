package readme

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/metasync/metasync/internal/index"
	"github.com/metasync/metasync/internal/metadata"
)

const (
	TableStart = "<!-- This table is auto-generated. Do not edit -->"
	TableEnd   = "<!-- end apps table -->"
)

// ErrMarkersNotFound is returned when the README lacks the table markers
var ErrMarkersNotFound = errors.New("apps table markers not found")

var tableTmpl = template.Must(template.New("table").Parse(`
| Icon | Name | Description | Version |
| --- | --- | --- | --- |
{{range .Apps -}}
| <a href="{{.SourceCode}}"><img src="{{$.IconDir}}/{{.PackageName}}.{{.SuggestedVersionCode}}.png" alt="{{.Name}} icon" width="36px" height="36px"></a> | [**{{.Name}}**]({{.SourceCode}}) | {{.Summary}} | {{.SuggestedVersionName}} ({{.SuggestedVersionCode}}) |
{{end -}}
`))

// RenderTable renders the Markdown apps table. iconDir is the icon
// directory as seen from the README.
func RenderTable(iconDir string, apps []index.App) (string, error) {
	var buf bytes.Buffer
	err := tableTmpl.Execute(&buf, struct {
		IconDir string
		Apps    []index.App
	}{
		IconDir: strings.TrimSuffix(path.Clean(iconDir), "/"),
		Apps:    apps,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render apps table: %w", err)
	}
	return buf.String(), nil
}

// Replace swaps the content between the table markers for table
func Replace(content, table string) (string, error) {
	start := strings.Index(content, TableStart)
	if start < 0 {
		return "", fmt.Errorf("%w: missing %q", ErrMarkersNotFound, TableStart)
	}
	end := strings.Index(content[start:], TableEnd)
	if end < 0 {
		return "", fmt.Errorf("%w: missing %q", ErrMarkersNotFound, TableEnd)
	}
	end += start

	var b strings.Builder
	b.WriteString(content[:start])
	b.WriteString(TableStart)
	b.WriteString(table)
	b.WriteString(content[end:])
	return b.String(), nil
}

// Regenerate rewrites the apps table of the README at readmePath in place
func Regenerate(readmePath, iconDir string, apps []index.App) error {
	content, err := os.ReadFile(readmePath)
	if err != nil {
		return fmt.Errorf("failed to read README %s: %w", readmePath, err)
	}

	table, err := RenderTable(iconDir, apps)
	if err != nil {
		return err
	}

	updated, err := Replace(string(content), table)
	if err != nil {
		return fmt.Errorf("%s: %w", readmePath, err)
	}
	if updated == string(content) {
		return nil
	}

	return metadata.WriteFileAtomic(readmePath, []byte(updated), 0644)
}
