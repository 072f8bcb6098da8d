// Package web embeds the browser UI served at the site root.
package web

import (
	"embed"
	"io/fs"
)

//go:embed dist
var assets embed.FS

// Dist returns the UI files with dist as the root.
func Dist() (fs.FS, error) {
	return fs.Sub(assets, "dist")
}
