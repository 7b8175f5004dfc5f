package server

import "embed"

//go:embed templates/index.html
var templateFiles embed.FS
