// Package discovery finds relays on the local network (mDNS) and learns the
// relay's public address (STUN).
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"quantrelay/internal/ids"
)

// Relay is a relay found on the local network
type Relay struct {
	Instance string
	Addr     string
	URL      string
}

// Advertise announces a relay instance on the local network until ctx is done
func Advertise(ctx context.Context, instance string, port int, path string) error {
	txt := []string{"path=" + path, "proto=quantrelay/1"}
	server, err := zeroconf.Register(instance, serviceType(instance), "local.", port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Lookup browses for a relay advertised under instance
func Lookup(ctx context.Context, instance string, timeout time.Duration) (*Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, serviceType(instance), "local.", entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return nil, fmt.Errorf("relay %q not found via mDNS", instance)
			}
			if r, ok := relayFromEntry(e); ok {
				return r, nil
			}
		case <-browseCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("relay %q not found via mDNS", instance)
		}
	}
}

// relayFromEntry turns a browse result into a dialable relay URL,
// preferring IPv4
func relayFromEntry(e *zeroconf.ServiceEntry) (*Relay, bool) {
	if e == nil || e.Port == 0 {
		return nil, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return nil, false
	}

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	path := txtValue(e.Text, "path")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Relay{Instance: e.Instance, Addr: addr, URL: "ws://" + addr + path}, true
}

func txtValue(txt []string, key string) string {
	for _, kv := range txt {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// each instance name gets its own service type
func serviceType(instance string) string {
	return fmt.Sprintf("_quantrelay_%s._tcp", ids.DiscoveryHash(instance))
}
