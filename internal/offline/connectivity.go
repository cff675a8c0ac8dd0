package offline

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/TheMichaelB/filebridge/internal/events"
)

// Connectivity reports whether the network is usable. Changes returns a
// channel receiving every transition and a function that stops delivery.
type Connectivity interface {
	Online() bool
	Changes() (<-chan bool, func())
}

// Switch is a Connectivity whose state is set explicitly.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewSwitch creates a switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state and notifies subscribers on a transition. A
// subscriber that has not consumed the previous transition only sees the
// latest state.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Changes subscribes to transitions.
func (s *Switch) Changes() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// Reachability derives connectivity from TCP reachability of an address.
// Its Check method runs as a scheduled task.
type Reachability struct {
	*Switch
	address string
	timeout time.Duration
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
	logger  *events.Logger
}

// NewReachability starts online and dials address on each check.
func NewReachability(address string, timeout time.Duration, logger *events.Logger) *Reachability {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &net.Dialer{}
	return &Reachability{
		Switch:  NewSwitch(true),
		address: address,
		timeout: timeout,
		dial:    d.DialContext,
		logger:  logger.WithField("component", "connectivity"),
	}
}

// Check dials the address once and updates the state.
func (p *Reachability) Check(ctx context.Context, _ time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.address)
	if err == nil {
		_ = conn.Close()
	}
	up := err == nil

	if up != p.Online() {
		log := p.logger.WithField("address", p.address)
		if up {
			log.Info("Network is back online")
		} else {
			log.WithError(err).Warn("Network is offline")
		}
	}
	p.Set(up)
	return nil
}
