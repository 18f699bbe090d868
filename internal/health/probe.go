// Package health evaluates the configured probes of a service against the
// engine's latest inspect payload. Probes observe the container from the
// host side, through the published host ports, the same way consumers reach
// the service.
package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"

	"kiruna/internal/config"
	"kiruna/internal/logger"
)

// probeClient skips certificate verification: probes target local containers
// that commonly carry self-signed certificates.
var probeClient = &http.Client{
	Timeout: 10 * time.Second,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	},
}

// Check runs every probe against the inspect payload. A service with no
// probes is healthy as soon as it runs. All probes must pass for the
// aggregate to be healthy.
func Check(ctx context.Context, probes []config.ProbeSpec, info types.ContainerJSON) bool {
	for _, probe := range probes {
		if probe.Http == nil {
			// Unknown probe kinds pass through.
			logger.Warn("Ignoring unknown health probe kind")
			continue
		}
		if !checkHttp(ctx, probe.Http, info) {
			return false
		}
	}
	return true
}

// checkHttp resolves the probe's container port to its published host port
// and issues one GET. Anything but a 200 is unhealthy; a port with no host
// binding is unhealthy without being an error.
func checkHttp(ctx context.Context, probe *config.HttpProbe, info types.ContainerJSON) bool {
	hostPort := resolveHostPort(probe.Port, info)
	if hostPort == "" {
		return false
	}

	protocol := probe.Protocol
	if protocol == "" {
		protocol = "http"
	}
	ip := probe.Ip
	if ip == "" {
		ip = "127.0.0.1"
	}
	path := probe.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	url := fmt.Sprintf("%s://%s:%s%s", protocol, ip, hostPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := probeClient.Do(req)
	if err != nil {
		logger.WithFields(logger.Fields{
			"url": url,
		}).WithError(err).Debug("Health probe request failed")
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// resolveHostPort finds the host port published for a container port spec.
func resolveHostPort(portSpec string, info types.ContainerJSON) string {
	if info.NetworkSettings == nil {
		return ""
	}
	bindings := info.NetworkSettings.Ports[normalizePort(portSpec)]
	if len(bindings) == 0 {
		return ""
	}
	return bindings[0].HostPort
}

// normalizePort appends the default protocol to a bare port number.
func normalizePort(spec string) nat.Port {
	if !strings.Contains(spec, "/") {
		spec = spec + "/tcp"
	}
	return nat.Port(spec)
}
