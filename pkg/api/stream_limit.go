package api

import (
	"net/http"
	"sync"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
)

// streamLimiter caps concurrent SSE and WebSocket feeds. Zero max means no cap.
type streamLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newStreamLimiter(max int) *streamLimiter {
	return &streamLimiter{max: max}
}

func (l *streamLimiter) acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *streamLimiter) release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

func (s *Server) limitStreams(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.streams.acquire() {
			writeError(w, merrors.New(merrors.ErrCodeRateLimited, "too many live streams"))
			return
		}
		defer s.streams.release()
		next.ServeHTTP(w, r)
	})
}
