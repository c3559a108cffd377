package ioruntime

import (
	"context"
	"fmt"
	"net"
)

// ResolveUDPAsync resolves host:port on a background goroutine (DNS
// lookups block, and a strand must never block a shared worker) and posts
// the outcome to strand via onResult.
func ResolveUDPAsync(ctx context.Context, strand *Strand, host string, port uint16, onResult func(*net.UDPAddr, error)) {
	go func() {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			strand.Post(func() { onResult(nil, err) })
			return
		}
		if len(ips) == 0 {
			strand.Post(func() { onResult(nil, fmt.Errorf("no addresses found for %q", host)) })
			return
		}

		var v4 net.IP
		for _, ip := range ips {
			if v := ip.IP.To4(); v != nil {
				v4 = v
				break
			}
		}
		if v4 == nil {
			strand.Post(func() { onResult(nil, fmt.Errorf("%q resolved only to non-IPv4 addresses", host)) })
			return
		}

		addr := &net.UDPAddr{IP: v4, Port: int(port)}
		strand.Post(func() { onResult(addr, nil) })
	}()
}
