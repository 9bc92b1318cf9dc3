package gate

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"

	"eyeweb/internal/reputation"
	"eyeweb/internal/telemetry"
	"eyeweb/internal/threat"
)

const notFoundPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>404: NOT_FOUND</title>
<style>
body{margin:0;height:100vh;display:flex;align-items:center;justify-content:center;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,Helvetica,Arial,sans-serif;background:#fff;color:#000}
main{display:flex;align-items:center}
h1{margin:0 20px 0 0;padding-right:23px;font-size:24px;font-weight:500;border-right:1px solid rgba(0,0,0,.3)}
p{margin:0;font-size:14px}
code{font-family:Menlo,Monaco,"Lucida Console",monospace}
</style>
</head>
<body>
<main>
<h1>404</h1>
<p>This page could not be found. Code: <code>NOT_FOUND</code></p>
</main>
</body>
</html>
`

// WriteNotFound answers a blocked request with a generic platform 404.
func WriteNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, notFoundPage)
}

// ClientIP resolves the request origin through the trusted proxy list.
func (g *Gate) ClientIP(r *http.Request) string {
	return g.proxies.ClientIP(r)
}

// FromEdge reports whether the direct peer may speak for a visitor: this
// machine or a trusted proxy.
func (g *Gate) FromEdge(r *http.Request) bool {
	peer := peerIP(r.RemoteAddr)
	return isLoopback(peer) || g.proxies.IsTrusted(peer)
}

// Identity reads the origin of a request: address plus device cookies.
func (g *Gate) Identity(r *http.Request) reputation.Identity {
	return reputation.Identity{
		IP:           g.ClientIP(r),
		Fingerprint:  cookieValue(r, g.settings.FingerprintCookie),
		HardwareHash: cookieValue(r, g.settings.HardwareCookie),
	}
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

// Middleware gates every request before next runs. Internal endpoints pass
// untouched so blocked clients can still learn their status. Blocked origins
// get the 404 page; allowed traffic outside the admin paths is recorded after
// the response.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := g.Identity(r)
		if id.IP == "" || isLoopback(id.IP) || hasPathPrefix(r.URL.Path, g.settings.InternalPaths) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		if !g.exempt(ctx, id.IP, id.Fingerprint) && g.Blocked(ctx, id) {
			WriteNotFound(w)
			return
		}

		if hasPathPrefix(r.URL.Path, g.settings.AdminPaths) {
			next.ServeHTTP(w, r)
			return
		}

		start := g.clock.Now()
		body := g.sampleBody(r)
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := g.event(id.IP, id.Fingerprint, r.Method, r.URL.Path, r.UserAgent())
		ev.StatusCode = rec.statusCode
		ev.ResponseTimeMs = g.clock.Now().Sub(start).Milliseconds()
		g.submit(telemetry.Record{
			Observation: threat.Observation{Event: ev, Query: r.URL.RawQuery, Body: body},
			Persist:     g.firstVisit(id.IP, r.URL.Path),
		})
	})
}

func hasPathPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// sampleBody reads up to BodySampleBytes of the request body for the
// classifier and restores the body for the handler.
func (g *Gate) sampleBody(r *http.Request) []byte {
	if g.settings.BodySampleBytes <= 0 || r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	sample, err := io.ReadAll(io.LimitReader(r.Body, int64(g.settings.BodySampleBytes)))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(sample), r.Body), Closer: r.Body}
	if err != nil || len(sample) == 0 {
		return nil
	}
	return sample
}

type readCloser struct {
	io.Reader
	io.Closer
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.headerWritten {
		r.statusCode = code
		r.headerWritten = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.headerWritten = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
