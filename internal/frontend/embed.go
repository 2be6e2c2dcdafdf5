// Package frontend embeds the browser host page. The page logs in over the
// websocket and forwards DOM interaction and visibility events as signals.
package frontend

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

func Handler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

// DirHandler serves the page from disk for development.
func DirHandler(dir string) http.Handler {
	return http.FileServer(http.Dir(dir))
}
