// Package probe provides readiness predicates for service instances:
// TCP connect checks, HTTP checks, log-line pattern watches, and file
// existence checks. Each probe is handed the instance's resolved
// configuration and must stay non-blocking beyond a short diagnostic
// connection or read.
package probe

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/clusterup/clusterup/pkg/cluster"
)

// dialTimeout bounds a single TCP diagnostic connection.
const dialTimeout = 250 * time.Millisecond

// httpTimeout bounds a single HTTP diagnostic request.
const httpTimeout = 500 * time.Millisecond

// TCP reports ready once a TCP connection to the instance's port
// succeeds. The port is read from the instance configuration.
type TCP struct {
	// PortKey is the configuration key holding the port ("port" by default).
	PortKey string

	// Host overrides the target host, default localhost.
	Host string
}

// Ready dials the instance's advertised port.
func (p *TCP) Ready(_ context.Context, target cluster.Target) bool {
	key := p.PortKey
	if key == "" {
		key = "port"
	}
	port, ok := target.ConfigValue(key)
	if !ok {
		return false
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *TCP) Kind() string { return "tcp" }

// HTTP reports ready once an HTTP request to the instance's URL gets any
// response. Services that answer 4xx while warming up still count as
// listening; set ExpectSuccess to require a 2xx/3xx status.
type HTTP struct {
	// URLKey is the configuration key holding the URL ("url" by default).
	URLKey string

	// Method defaults to HEAD.
	Method string

	// ExpectSuccess requires a status below 400.
	ExpectSuccess bool

	client *http.Client
}

// Ready issues one bounded diagnostic request.
func (p *HTTP) Ready(ctx context.Context, target cluster.Target) bool {
	key := p.URLKey
	if key == "" {
		key = "url"
	}
	url, ok := target.ConfigValue(key)
	if !ok {
		return false
	}

	if p.client == nil {
		p.client = &http.Client{Timeout: httpTimeout}
	}
	method := p.Method
	if method == "" {
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	if p.ExpectSuccess {
		return resp.StatusCode < 400
	}
	return true
}

func (p *HTTP) Kind() string { return "http" }

// FileExists reports ready once a file appears, e.g. a lock or pid file.
type FileExists struct {
	// PathKey is the configuration key holding the path.
	PathKey string
}

func (p *FileExists) Ready(_ context.Context, target cluster.Target) bool {
	path, ok := target.ConfigValue(p.PathKey)
	if !ok {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (p *FileExists) Kind() string { return "file" }

// Static always reports the same value; useful for services with no
// meaningful readiness signal and in tests.
type Static bool

func (p Static) Ready(context.Context, cluster.Target) bool { return bool(p) }

func (p Static) Kind() string { return "static" }

// All combines probes; ready only when every member is ready.
type All []cluster.Probe

func (p All) Ready(ctx context.Context, target cluster.Target) bool {
	for _, member := range p {
		if !member.Ready(ctx, target) {
			return false
		}
	}
	return true
}

func (p All) Kind() string { return "all" }
