package protocol

// Signaling message types, exchanged with the rendezvous service.
const (
	TypeError           = "error"
	TypePeerLeft        = "peer_left"
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeIceCandidates   = "ice_candidates"
	TypeTurnCredentials = "turn_credentials"
)

// Session message types, exchanged directly between the two players.
const (
	TypeJoinRequest  = "join_request"
	TypeJoinRejected = "join_rejected"
	TypeMatchStart   = "match_start"
	TypeRoundResult  = "round_result"
	TypeMatchEnd     = "match_end"
)

// Error codes carried in Error payloads.
const (
	CodeBadRequest    = "bad_request"
	CodeIdentityTaken = "identity_taken"
	CodePeerNotFound  = "peer_not_found"
	CodeRateLimited   = "rate_limited"
	CodeDuplicateName = "duplicate_identity"
	CodeRejected      = "rejected"
)
