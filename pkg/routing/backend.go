package routing

import (
	"fmt"
	"net"
)

// BackendConfig is a reusable {host,port} pair used by config and the admin API.
type BackendConfig struct {
	Host string `yaml:"host"` // Backend host (IP or DNS name)
	Port int    `yaml:"port"` // Backend port
}

// Addr returns the backend address in "host:port" form.
func (b BackendConfig) Addr() string {
	return net.JoinHostPort(b.Host, fmt.Sprintf("%d", b.Port))
}
