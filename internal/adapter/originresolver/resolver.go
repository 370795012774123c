// Package originresolver maps URLs to origin keys. An origin is the
// (host, port) pair of a URL, the unit of rate limiting and learning for the
// origin controller and connection pool.
package originresolver

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// Resolver implements domain.OriginResolver.
type Resolver struct{}

// New constructs a Resolver.
func New() *Resolver { return &Resolver{} }

// Origin returns the host:port origin key for rawURL, defaulting the port
// from the scheme (443 for https, 80 otherwise). The host is lower-cased so
// differently-cased URLs of one site share a profile.
func (Resolver) Origin(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("op=originresolver.Origin: %w", domain.ErrInvalidArgument)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("op=originresolver.Origin: empty host: %w", domain.ErrInvalidArgument)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}
