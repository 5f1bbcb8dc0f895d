// Package devserver serves the assembled output tree during development and
// reloads connected browsers after every successful rebuild.
package devserver

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/wasmctl/pkg/bus"
)

const (
	defaultAddr     = "127.0.0.1:8000"
	shutdownTimeout = 5 * time.Second

	reloadScriptTag = `<script defer src="/livereload.js"></script>`
)

type Options struct {
	// Addr is the listen address.
	Addr string
	// Root is the directory to serve, usually the assembled output.
	Root string
}

type Server struct {
	addr    string
	root    string
	hub     *Hub
	metrics *serverMetrics
}

func New(opts Options) (*Server, error) {
	if opts.Root == "" {
		return nil, errors.New("dev server requires a root directory")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve root %s", opts.Root)
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	m := newServerMetrics()
	return &Server{
		addr:    opts.Addr,
		root:    root,
		hub:     NewHub(m.reloadClients),
		metrics: m,
	}, nil
}

// Handler exposes the full route set so tests can drive the server without a
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/livereload", s.hub)
	mux.HandleFunc("/livereload.js", serveReloadScript)
	mux.Handle("/metrics", s.metrics.handler())
	mux.HandleFunc("/", s.serveStatic)
	return mux
}

// Run serves until ctx is cancelled. Long-lived SSE streams are torn down
// through the hub before the listener shuts down, so Run does not hang on
// connected browsers.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Str("root", s.root).Msg("dev server listening")

	select {
	case <-ctx.Done():
		s.hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown dev server")
		}
		return ctx.Err()
	case err := <-errCh:
		return errors.Wrap(err, "dev server")
	}
}

// HandleEvent consumes lifecycle events from the bus. Completed builds and
// clean child exits reload browsers, failures only count. Undecodable
// messages are logged and dropped so the bus never sees redelivery loops.
func (s *Server) HandleEvent(msg *message.Message) error {
	env, err := bus.ParseEnvelope(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("unparseable event")
		return nil
	}
	switch env.Type {
	case bus.TypeBuildCompleted:
		var ev bus.BuildCompleted
		if err := env.Decode(&ev); err != nil {
			log.Warn().Err(err).Msg("bad build.completed payload")
			return nil
		}
		s.metrics.buildsTotal.Inc()
		s.hub.Broadcast(ev.BuildID)
	case bus.TypeBuildFailed:
		s.metrics.buildFailuresTotal.Inc()
	case bus.TypeChildExited:
		var ev bus.ChildExited
		if err := env.Decode(&ev); err != nil {
			log.Warn().Err(err).Msg("bad child.exited payload")
			return nil
		}
		// A clean child exit means a watched build command finished a
		// successful pass.
		if !ev.Killed && ev.ExitCode != nil && *ev.ExitCode == 0 {
			s.metrics.buildsTotal.Inc()
			s.hub.Broadcast(uuid.NewString())
		}
	}
	return nil
}

func serveReloadScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = io.WriteString(w, ReloadScript)
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.metrics.requestsTotal.Inc()

	// Cleaning a rooted path keeps the lookup inside the served tree.
	rel := path.Clean("/" + r.URL.Path)
	target := filepath.Join(s.root, filepath.FromSlash(rel))

	fi, err := os.Stat(target)
	if err == nil && fi.IsDir() {
		target, fi, err = indexFile(target)
	}
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}

	ctype := contentTypeFor(target)
	if strings.HasPrefix(ctype, "text/html") {
		s.serveHTML(w, r, target)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()
	w.Header().Set("Content-Type", ctype)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// serveHTML injects the live-reload client before </body>, appending it when
// the page has no closing tag.
func (s *Server) serveHTML(w http.ResponseWriter, r *http.Request, target string) {
	b, err := os.ReadFile(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	page := string(b)
	if strings.Contains(page, "</body>") {
		page = strings.Replace(page, "</body>", reloadScriptTag+"</body>", 1)
	} else {
		page += reloadScriptTag
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.WriteString(w, page)
}

func indexFile(dir string) (string, os.FileInfo, error) {
	for _, name := range []string{"index.html", "index.htm"} {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, fi, nil
		}
	}
	return "", nil, os.ErrNotExist
}

// contentTypeFor resolves the response type. The wasm entry matters most:
// instantiateStreaming refuses anything but application/wasm.
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".wasm":
		return "application/wasm"
	case ".json":
		return "application/json; charset=utf-8"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
