package main

import (
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

var currentLogLevel = levelInfo

func parseLogLevel(s string) logLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func Debugf(format string, args ...any) {
	if currentLogLevel <= levelDebug {
		log.Printf("DEBUG "+format, args...)
	}
}

func Infof(format string, args ...any) {
	if currentLogLevel <= levelInfo {
		log.Printf("INFO  "+format, args...)
	}
}

func Warnf(format string, args ...any) {
	if currentLogLevel <= levelWarn {
		log.Printf("WARN  "+format, args...)
	}
}

func Errorf(format string, args ...any) {
	if currentLogLevel <= levelError {
		log.Printf("ERROR "+format, args...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// WithRequestLogging logs one line per request: method, path, status,
// duration and client address.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		Infof("%s %s -> %d (%s) ip=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), clientIP(r))
	})
}

// clientIP prefers the first X-Forwarded-For hop when the portal runs
// behind the reverse proxy, otherwise the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
