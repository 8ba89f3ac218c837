package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// checkOrigin admits browser origins on the allow-list and local development
// servers on unprivileged ports. Requests without an Origin are not from a
// browser and pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a != "" && strings.EqualFold(a, origin) {
			return true
		}
	}
	return isLocalDevOrigin(origin)
}

func isLocalDevOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "http" || u.Hostname() != "localhost" {
		return false
	}
	if u.Path != "" || u.RawQuery != "" {
		return false
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return false
	}
	return port >= 1024 && port <= 65535
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}
