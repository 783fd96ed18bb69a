// Package httpserver is a small HTTP/1.1 surface over tcpserver and the
// hook layer, grounded on the original sylar HttpServer/ServletDispatch
// (src/http/http_server.cc/.h, src/http/servlet.h): a path-keyed
// dispatch table wraps a TCP handler that parses one request per
// keep-alive iteration and writes one response, all through
// hook.Driver so every read/write is a fiber suspension point rather
// than a blocking call on the worker thread.
package httpserver

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fiberd/fiberd/hook"
)

// Request is the subset of an HTTP/1.1 request this server parses.
type Request struct {
	Method  string
	Path    string
	Proto   string
	Headers map[string]string
	Body    []byte
}

// Close reports whether the client asked for the connection to be
// closed after this response (Connection: close, or pre-1.1 with no
// keep-alive header).
func (r *Request) Close() bool {
	if v, ok := r.Headers["connection"]; ok {
		return strings.EqualFold(v, "close")
	}
	return r.Proto != "HTTP/1.1"
}

// ResponseWriter accumulates a response's status, headers, and body.
type ResponseWriter struct {
	status  int
	headers map[string]string
	body    bytes.Buffer
}

func newResponseWriter() *ResponseWriter {
	return &ResponseWriter{status: 200, headers: make(map[string]string)}
}

// SetHeader sets a response header.
func (w *ResponseWriter) SetHeader(key, value string) { w.headers[key] = value }

// WriteStatus sets the response's status code.
func (w *ResponseWriter) WriteStatus(code int) { w.status = code }

// Write appends to the response body.
func (w *ResponseWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

// HandlerFunc handles one request for a registered path.
type HandlerFunc func(w *ResponseWriter, r *Request)

// Dispatch routes requests to registered path handlers, falling back
// to a 404 handler.
type Dispatch struct {
	mu       sync.RWMutex
	routes   map[string]HandlerFunc
	name     string
	notFound HandlerFunc
}

// NewDispatch returns an empty Dispatch, identifying itself as name in
// the default 404 body and the Server response header.
func NewDispatch(name string) *Dispatch {
	d := &Dispatch{routes: make(map[string]HandlerFunc), name: name}
	d.notFound = func(w *ResponseWriter, r *Request) {
		w.WriteStatus(404)
		fmt.Fprintf(w, "404 not found: %s (%s)\n", r.Path, name)
	}
	return d
}

// Handle registers h for exact-match path.
func (d *Dispatch) Handle(path string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[path] = h
}

// SetNotFound overrides the default 404 handler.
func (d *Dispatch) SetNotFound(h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notFound = h
}

func (d *Dispatch) route(path string) HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.routes[path]; ok {
		return h
	}
	return d.notFound
}

// Handler returns a tcpserver.Handler that parses and dispatches
// requests, keeping the connection open across multiple requests
// unless the client or server opts out of keep-alive.
func (d *Dispatch) Handler(keepAlive bool) func(dr *hook.Driver, fd int, addr unix.Sockaddr) {
	return func(dr *hook.Driver, fd int, addr unix.Sockaddr) {
		defer func() { _ = dr.Close(fd) }()
		buf := make([]byte, 4096)
		for {
			req, err := readRequest(dr, fd, buf)
			if err != nil {
				return
			}
			w := newResponseWriter()
			w.SetHeader("Server", d.name)
			d.route(req.Path)(w, req)
			if !keepAlive || req.Close() {
				w.SetHeader("Connection", "close")
			}
			if err := writeResponse(dr, fd, w); err != nil {
				return
			}
			if !keepAlive || req.Close() {
				return
			}
		}
	}
}

// readRequest reads until the header terminator is seen, then parses
// the request line and headers. Request bodies are not read: Body is
// left empty, and any bytes received after the header terminator in the
// same read are discarded.
func readRequest(d *hook.Driver, fd int, buf []byte) (*Request, error) {
	var data []byte
	for {
		n, err := d.Read(fd, buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
			return parseRequest(data[:idx])
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("httpserver: connection closed before headers complete")
		}
	}
}

func parseRequest(head []byte) (*Request, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("httpserver: empty request")
	}
	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, fmt.Errorf("httpserver: malformed request line %q", lines[0])
	}
	req := &Request{
		Method:  parts[0],
		Path:    parts[1],
		Proto:   parts[2],
		Headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return req, nil
}

func writeResponse(d *hook.Driver, fd int, w *ResponseWriter) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", w.status, statusText(w.status))
	w.SetHeader("Content-Length", fmt.Sprintf("%d", w.body.Len()))
	for k, v := range w.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.Write(w.body.Bytes())

	p := b.Bytes()
	for len(p) > 0 {
		n, err := d.Write(fd, p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Status"
	}
}
