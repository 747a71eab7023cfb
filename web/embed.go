package web

import "embed"

// FS holds the status page served at the daemon's root.
//
//go:embed *.html *.css *.js
var FS embed.FS
