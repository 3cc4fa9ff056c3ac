package protocol

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PeerLeft tells a peer that an address it talked to is gone.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// Offer contains an offer for P2P connection establishment (opaque SDP string).
type Offer struct {
	SDP string `json:"sdp"`
}

// Answer contains an answer for P2P connection establishment (opaque SDP string).
type Answer struct {
	SDP string `json:"sdp"`
}

// IceCandidates contains all gathered ICE candidates.
type IceCandidates struct {
	Candidates []string `json:"candidates"`
}

// TurnCredentials contains TURN server URLs with embedded ephemeral credentials.
type TurnCredentials struct {
	Servers   []string `json:"servers"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

// PlayerInfo identifies a player inside a match.
type PlayerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// JoinRequest is the first message a guest sends once the link is open.
type JoinRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// JoinRejected is the host's answer to an unacceptable JoinRequest.
type JoinRejected struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// MatchStart announces the match roster, host first.
type MatchStart struct {
	RoomCode string       `json:"room_code"`
	Players  []PlayerInfo `json:"players"`
}

// RoundResult carries one roll of both dice. WinnerID is empty on a tie.
type RoundResult struct {
	Rolls    map[string]int `json:"rolls"`
	WinnerID string         `json:"winner_id,omitempty"`
	IsTie    bool           `json:"is_tie"`
}

// MatchEnd closes the match.
type MatchEnd struct {
	WinnerID string `json:"winner_id"`
}

// ServerStatus is the body of the rendezvous service's GET /status.
type ServerStatus struct {
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
	Peers           int    `json:"peers"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}
