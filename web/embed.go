// Package web serves the exported static site. A placeholder bundle is
// embedded so the server starts before the site has been built.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// Embedded returns the bundle compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return sub
}

// Bundle returns the exported site at dir, or the embedded bundle when dir
// is empty.
func Bundle(dir string) fs.FS {
	if dir == "" {
		return Embedded()
	}
	return os.DirFS(dir)
}

// Handler serves a statically exported site from bundle. Each request path
// resolves to the file itself, then "<path>.html", then "<path>/index.html";
// anything else falls back to index.html.
func Handler(bundle fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(bundle))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			fileServer.ServeHTTP(w, r)
			return
		}

		for _, candidate := range []string{name, name + ".html", path.Join(name, "index.html")} {
			if isFile(bundle, candidate) {
				serve(fileServer, w, r, candidate)
				return
			}
		}

		// Unknown route: let the client router handle it.
		serve(fileServer, w, r, "")
	})
}

// serve rewrites the request to name. FileServer redirects ".../index.html"
// to the directory, so index files are served through their directory.
func serve(fileServer http.Handler, w http.ResponseWriter, r *http.Request, name string) {
	if name == "index.html" || strings.HasSuffix(name, "/index.html") {
		name = strings.TrimSuffix(name, "index.html")
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + name
	fileServer.ServeHTTP(w, r2)
}

func isFile(bundle fs.FS, name string) bool {
	info, err := fs.Stat(bundle, name)
	return err == nil && !info.IsDir()
}
