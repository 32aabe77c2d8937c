package bundle

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"fleet-server/internal/models"
)

//go:embed scripts/*.tmpl
var scriptFS embed.FS

var scriptTemplates = template.Must(template.ParseFS(scriptFS, "scripts/*.tmpl"))

var (
	posixScripts   = []string{"install.sh", "start.sh", "stop.sh", "update.sh"}
	windowsScripts = []string{"install.bat", "start.bat", "stop.bat", "update.bat"}
)

// File is one archive entry.
type File struct {
	Name    string
	Content []byte
	Mode    int64
}

// Scripts renders the lifecycle scripts for the target OS in archive order.
func Scripts(osType models.OsType, binaryName string) ([]File, error) {
	names := posixScripts
	if osType == models.OsWindows {
		names = windowsScripts
	}

	data := struct{ Binary string }{Binary: binaryName}
	files := make([]File, 0, len(names))
	for _, name := range names {
		var buf bytes.Buffer
		if err := scriptTemplates.ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
			return nil, fmt.Errorf("render %s: %w", name, err)
		}
		files = append(files, File{Name: name, Content: buf.Bytes(), Mode: 0o755})
	}
	return files, nil
}
