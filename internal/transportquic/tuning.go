package transportquic

import (
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 8 * 1024 * 1024

	minQUICConnWindow   = 512 * 1024
	maxQUICConnWindow   = 64 * 1024 * 1024
	minQUICStreamWindow = 256 * 1024
	maxQUICStreamWindow = 16 * 1024 * 1024
	minQUICMaxStreams   = 1
	maxQUICMaxStreams   = 64
)

type udpTuneResult struct {
	RequestedR int
	RequestedW int
	Err        string
}

// tuneUDP asks the kernel for socket buffers. Refusal is not fatal.
func tuneUDP(conn *net.UDPConn, r, w int) udpTuneResult {
	result := udpTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
	}
	if conn == nil {
		result.Err = "no UDP socket"
		return result
	}
	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	result.Err = strings.Join(errs, "; ")
	return result
}

type quicTuneResult struct {
	ConnWin    int
	StreamWin  int
	MaxStreams int
}

// buildQUICConfig copies base and applies clamped flow-control windows.
func buildQUICConfig(base *quic.Config, connWin, streamWin, maxStreams int) (*quic.Config, quicTuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	res := quicTuneResult{
		ConnWin:    clamp(connWin, minQUICConnWindow, maxQUICConnWindow),
		StreamWin:  clamp(streamWin, minQUICStreamWindow, maxQUICStreamWindow),
		MaxStreams: clamp(maxStreams, minQUICMaxStreams, maxQUICMaxStreams),
	}
	cfg.InitialConnectionReceiveWindow = uint64(res.ConnWin)
	cfg.MaxConnectionReceiveWindow = uint64(res.ConnWin)
	cfg.InitialStreamReceiveWindow = uint64(res.StreamWin)
	cfg.MaxStreamReceiveWindow = uint64(res.StreamWin)
	cfg.MaxIncomingStreams = int64(res.MaxStreams)
	return cfg, res
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
