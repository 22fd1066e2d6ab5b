package config

import (
	"encoding/hex"
	"strconv"
)

// FormatLinks renders the tg://proxy links original_source prints for a
// newly added user, one per enabled mode (classic/secure/tls). The EE-TLS
// flavor is repeated once per configured censorship domain.
func FormatLinks(cfg *ProxyConfig, user, secret string) []string {
	host := cfg.General.Links.PublicHost
	if host == "" {
		host = "YOUR_SERVER_IP"
	}
	port := cfg.General.Links.PublicPort
	if port == 0 {
		port = cfg.Server.Port
	}

	lines := []string{"--- New user: " + user + " ---"}
	if cfg.General.Modes.Classic {
		lines = append(lines, formatLink("Classic", host, port, secret))
	}
	if cfg.General.Modes.Secure {
		lines = append(lines, formatLink("DD", host, port, "dd"+secret))
	}
	if cfg.General.Modes.TLS {
		for _, domain := range tlsDomains(cfg) {
			lines = append(lines, formatLink("EE-TLS", host, port, "ee"+secret+hex.EncodeToString([]byte(domain))))
		}
	}
	lines = append(lines, "--------------------")
	return lines
}

func tlsDomains(cfg *ProxyConfig) []string {
	domains := []string{cfg.Censorship.TLSDomain}
	for _, d := range cfg.Censorship.TLSDomains {
		found := false
		for _, existing := range domains {
			if existing == d {
				found = true
				break
			}
		}
		if !found {
			domains = append(domains, d)
		}
	}
	return domains
}

func formatLink(label, host string, port int, secret string) string {
	return label + ":  tg://proxy?server=" + host + "&port=" + strconv.Itoa(port) + "&secret=" + secret
}
