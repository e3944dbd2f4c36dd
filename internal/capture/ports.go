package capture

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// ServerPrefix is the session-name prefix for sidecar dev-server sessions.
const ServerPrefix = "server-"

// localhostURL matches dev-server startup banners like
// "Local: http://localhost:5173/" or "listening on http://127.0.0.1:3000".
var localhostURL = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1):(\d{2,5})`)

// PortDetector records the most recently seen localhost port per server
// session. Wire its Observe method into the capture engine as a sink.
type PortDetector struct {
	mu    sync.RWMutex
	ports map[string]int
}

// NewPortDetector creates an empty detector.
func NewPortDetector() *PortDetector {
	return &PortDetector{ports: make(map[string]int)}
}

// Observe scans a capture update for localhost URLs. Non-server sessions are
// ignored.
func (d *PortDetector) Observe(up Update) {
	if !strings.HasPrefix(up.Session, ServerPrefix) {
		return
	}
	port, ok := scanPort(up.Delta)
	if !ok {
		return
	}
	d.mu.Lock()
	d.ports[up.Session] = port
	d.mu.Unlock()
}

// Port returns the detected port for a server session.
func (d *PortDetector) Port(session string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	port, ok := d.ports[session]
	return port, ok
}

// Forget drops the recorded port, e.g. when the server session is restarted.
func (d *PortDetector) Forget(session string) {
	d.mu.Lock()
	delete(d.ports, session)
	d.mu.Unlock()
}

// scanPort returns the last localhost port mentioned in lines.
func scanPort(lines []string) (int, bool) {
	port := 0
	for _, line := range lines {
		for _, m := range localhostURL.FindAllStringSubmatch(line, -1) {
			if p, err := strconv.Atoi(m[1]); err == nil && p > 0 && p < 65536 {
				port = p
			}
		}
	}
	return port, port != 0
}
