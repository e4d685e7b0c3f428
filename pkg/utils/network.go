// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/LeeDigitalWorks/zapquota/pkg/logger"
)

// NewListener listens on addr over TCP.
func NewListener(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return listener, nil
}

// DetectedHostAddress returns the first non-loopback IPv4 address of an up
// interface, else the first usable IPv6 address, else "localhost".
func DetectedHostAddress() string {
	netInterfaces, err := net.Interfaces()
	if err != nil {
		logger.Info().Err(err).Msg("failed to detect net interfaces")
		return "localhost"
	}

	if v4 := selectAddress(netInterfaces, true); v4 != "" {
		return v4
	}
	if v6 := selectAddress(netInterfaces, false); v6 != "" {
		return v6
	}
	return "localhost"
}

func selectAddress(netInterfaces []net.Interface, ipv4 bool) string {
	for _, netInterface := range netInterfaces {
		if netInterface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := netInterface.Addrs()
		if err != nil {
			logger.Info().Err(err).Str("interface", netInterface.Name).Msg("get interface addresses")
			continue
		}

		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			isV4 := ipNet.IP.To4() != nil
			switch {
			case ipv4 && isV4:
				return ipNet.IP.String()
			case !ipv4 && !isV4 && !ipNet.IP.IsLinkLocalUnicast():
				// link-local addresses need a zone to bind
				return ipNet.IP.String()
			}
		}
	}
	return ""
}

// JoinHostPort is net.JoinHostPort accepting an already bracketed IPv6 host.
func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}
