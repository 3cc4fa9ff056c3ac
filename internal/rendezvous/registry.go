package rendezvous

import (
	"errors"
	"sync"
	"time"

	"github.com/sheerbytes/diceduel/pkg/protocol"
)

var (
	// ErrReserved means the address is held by another live connection.
	ErrReserved = errors.New("address already reserved")
	// ErrFull means the registry is at its reservation limit.
	ErrFull = errors.New("reservation limit reached")
)

// peerConnection holds a reserved address and its send channel.
type peerConnection struct {
	id       string
	send     chan protocol.Envelope
	done     chan struct{}
	contacts map[string]struct{} // guarded by Registry.mu

	sendMu  sync.Mutex
	closed  bool
	started bool
}

// Registry maps reserved addresses to live connections. An address is held by
// at most one connection; a second reservation is refused, never replaced.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerConnection
	max   int
}

// NewRegistry creates a registry holding at most max addresses (0 means no limit).
func NewRegistry(max int) *Registry {
	return &Registry{
		peers: make(map[string]*peerConnection),
		max:   max,
	}
}

// Reservation holds an address until Release. Envelopes routed to it queue
// until Attach starts delivering them.
type Reservation struct {
	r    *Registry
	pc   *peerConnection
	once sync.Once
}

// Reserve claims peerID atomically, before any connection exists for it.
func (r *Registry) Reserve(peerID string) (*Reservation, error) {
	pc := &peerConnection{
		id:       peerID,
		send:     make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
		contacts: make(map[string]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[peerID]; exists {
		return nil, ErrReserved
	}
	if r.max > 0 && len(r.peers) >= r.max {
		return nil, ErrFull
	}
	r.peers[peerID] = pc
	return &Reservation{r: r, pc: pc}, nil
}

// Attach passes every queued and future envelope to send from a dedicated
// goroutine. Only the first call has an effect.
func (res *Reservation) Attach(send func(env protocol.Envelope) error) {
	pc := res.pc
	pc.sendMu.Lock()
	if pc.closed || pc.started {
		pc.sendMu.Unlock()
		return
	}
	pc.started = true
	pc.sendMu.Unlock()

	go func() {
		defer close(pc.done)
		for env := range pc.send {
			if err := send(env); err != nil {
				return
			}
		}
	}()
}

// Release frees the address and tells every peer that exchanged envelopes
// with it that it left. Safe to call more than once.
func (res *Reservation) Release() {
	res.once.Do(func() { res.r.remove(res.pc) })
}

// Add reserves peerID and attaches send in one step.
func (r *Registry) Add(peerID string, send func(env protocol.Envelope) error) (remove func(), err error) {
	res, err := r.Reserve(peerID)
	if err != nil {
		return nil, err
	}
	res.Attach(send)
	return res.Release, nil
}

func (r *Registry) remove(pc *peerConnection) {
	r.mu.Lock()
	if r.peers[pc.id] == pc {
		delete(r.peers, pc.id)
	}
	var notify []*peerConnection
	for contact := range pc.contacts {
		if other, ok := r.peers[contact]; ok {
			delete(other.contacts, pc.id)
			notify = append(notify, other)
		}
	}
	r.mu.Unlock()

	// Close channel to stop writer goroutine (outside lock to avoid deadlock)
	pc.sendMu.Lock()
	pc.closed = true
	close(pc.send)
	started := pc.started
	pc.sendMu.Unlock()
	if started {
		select {
		case <-pc.done:
		case <-time.After(1 * time.Second):
		}
	}

	if len(notify) == 0 {
		return
	}
	left, err := protocol.NewEnvelope(protocol.TypePeerLeft, protocol.NewMsgID(), protocol.PeerLeft{PeerID: pc.id})
	if err != nil {
		return
	}
	left.From = serverID
	for _, other := range notify {
		env := left
		env.To = other.id
		r.enqueue(other, env)
	}
}

// Route delivers env to env.To and records both ends as contacts of each
// other. It reports false if the target is not reserved.
func (r *Registry) Route(env protocol.Envelope) bool {
	r.mu.Lock()
	target, ok := r.peers[env.To]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if from, ok := r.peers[env.From]; ok && from != target {
		from.contacts[target.id] = struct{}{}
		target.contacts[from.id] = struct{}{}
	}
	r.mu.Unlock()

	r.enqueue(target, env)
	return true
}

// SendTo delivers env to peerID without recording contacts.
func (r *Registry) SendTo(peerID string, env protocol.Envelope) bool {
	r.mu.RLock()
	pc, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.enqueue(pc, env)
	return true
}

// Has reports whether peerID is reserved.
func (r *Registry) Has(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[peerID]
	return ok
}

// Count returns the number of reserved addresses.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// enqueue never blocks; a full queue drops the envelope.
func (r *Registry) enqueue(pc *peerConnection, env protocol.Envelope) {
	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if pc.closed {
		return
	}
	select {
	case pc.send <- env:
	default:
	}
}
