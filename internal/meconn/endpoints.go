package meconn

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultEndpoints is the built-in TG_MIDDLE_PROXIES_FLAT_V4 table (spec
// §6 GLOSSARY): Telegram's published middle-proxy IPv4 endpoints, tried
// in order by Init/growToward.
var DefaultEndpoints = []Endpoint{
	{IP: net.IPv4(149, 154, 175, 50), Port: 8888},
	{IP: net.IPv4(149, 154, 167, 51), Port: 8888},
	{IP: net.IPv4(149, 154, 175, 100), Port: 8888},
	{IP: net.IPv4(149, 154, 167, 91), Port: 8888},
	{IP: net.IPv4(149, 154, 175, 3), Port: 8888},
}

// ParseEndpoints parses a list of "ip:port" strings into Endpoints, for
// config-supplied overrides of DefaultEndpoints.
func ParseEndpoints(raw []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(raw))
	for _, s := range raw {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("meconn.ParseEndpoints: %q: %w", s, err)
		}
		ip := net.ParseIP(strings.TrimSpace(host))
		if ip == nil {
			return nil, fmt.Errorf("meconn.ParseEndpoints: %q: invalid IP", s)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("meconn.ParseEndpoints: %q: invalid port: %w", s, err)
		}
		out = append(out, Endpoint{IP: ip, Port: uint16(port)})
	}
	return out, nil
}
