//go:build ui

// Package ui embeds the trace dashboard frontend. Build with -tags ui after
// producing dist/ with the frontend build; without the tag the server runs
// API-only.
package ui

import (
	"embed"
	"io/fs"
)

//go:embed all:dist
var distFS embed.FS

// DistFS returns the embedded dashboard filesystem rooted at dist/.
func DistFS() (fs.FS, error) {
	return fs.Sub(distFS, "dist")
}
