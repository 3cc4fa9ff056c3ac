package transportquic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/ice/v2"
	"github.com/pion/stun"
)

const stunTimeout = 500 * time.Millisecond

// listenUDP opens the single IPv4 socket a QUIC endpoint uses for STUN,
// listening and dialing.
func listenUDP() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return conn, nil
}

// resolvePublicAddrs runs STUN binding requests on conn. It must finish
// before QUIC starts reading from the socket.
func resolvePublicAddrs(ctx context.Context, conn *net.UDPConn, servers []string, logger *slog.Logger) []*net.UDPAddr {
	var public []*net.UDPAddr
	seen := make(map[string]struct{})
	buf := make([]byte, 1500)
	for _, server := range servers {
		if ctx.Err() != nil {
			break
		}
		addrs, err := resolveStunAddrs(ctx, strings.TrimPrefix(server, "stun:"))
		if err != nil {
			logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}
		for _, serverAddr := range addrs {
			if serverAddr.IP.To4() == nil {
				continue
			}
			mapped, err := stunBinding(conn, serverAddr, buf)
			if err != nil {
				logger.Debug("STUN request failed", "server", serverAddr.String(), "error", err)
				continue
			}
			if _, ok := seen[mapped.String()]; ok {
				continue
			}
			seen[mapped.String()] = struct{}{}
			public = append(public, mapped)
			logger.Debug("public address resolved", "addr", mapped)
		}
	}
	return public
}

func stunBinding(conn *net.UDPConn, server *net.UDPAddr, buf []byte) (*net.UDPAddr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(stunTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !from.IP.Equal(server.IP) || from.Port != server.Port || !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, err
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(res); err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
}

func resolveStunAddrs(ctx context.Context, addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return addrs, nil
}

// localIPs lists the IPv4 unicast addresses of interfaces that are up.
func localIPs(includeLoopback bool) []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		loopback := iface.Flags&net.FlagLoopback != 0
		if loopback && !includeLoopback {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsMulticast() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}

// encodeCandidates renders host and server-reflexive candidates for port as
// ICE candidate lines.
func encodeCandidates(hosts []net.IP, port int, public []*net.UDPAddr) ([]string, error) {
	var lines []string
	for _, ip := range hosts {
		c, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:   "udp",
			Address:   ip.String(),
			Port:      port,
			Component: ice.ComponentRTP,
		})
		if err != nil {
			return nil, fmt.Errorf("host candidate %s: %w", ip, err)
		}
		lines = append(lines, c.Marshal())
	}
	relAddr := "0.0.0.0"
	if len(hosts) > 0 {
		relAddr = hosts[0].String()
	}
	for _, addr := range public {
		c, err := ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
			Network:   "udp",
			Address:   addr.IP.String(),
			Port:      addr.Port,
			Component: ice.ComponentRTP,
			RelAddr:   relAddr,
			RelPort:   port,
		})
		if err != nil {
			return nil, fmt.Errorf("srflx candidate %s: %w", addr, err)
		}
		lines = append(lines, c.Marshal())
	}
	return lines, nil
}

// parseCandidates returns the distinct dialable UDP addresses in lines.
// Lines that do not parse, or are not IPv4 UDP, are skipped.
func parseCandidates(lines []string) []*net.UDPAddr {
	var out []*net.UDPAddr
	seen := make(map[string]struct{})
	for _, line := range lines {
		c, err := ice.UnmarshalCandidate(strings.TrimPrefix(line, "candidate:"))
		if err != nil {
			continue
		}
		if c.NetworkType() != ice.NetworkTypeUDP4 {
			continue
		}
		ip := net.ParseIP(c.Address())
		if ip == nil || c.Port() <= 0 {
			continue
		}
		addr := &net.UDPAddr{IP: ip, Port: c.Port()}
		if _, ok := seen[addr.String()]; ok {
			continue
		}
		seen[addr.String()] = struct{}{}
		out = append(out, addr)
	}
	return out
}
