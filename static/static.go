// Package static embeds the web client's build output into the binary.
//
// The client build copies its dist/ into static/dist/ before `go build`.
// The checked-in index.html is a placeholder served when no build was
// copied, so the relay still starts and answers on /.
package static

import (
	"embed"
	"io/fs"
)

//go:embed all:dist
var embedded embed.FS

// Files returns the client files rooted at dist/.
func Files() (fs.FS, error) {
	return fs.Sub(embedded, "dist")
}
