package bacnetio

import (
	"sync"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// SimHandlers is an in-memory, no-network stand-in for the UDP transport.
// It implements cov.Transport by recording notifications instead of
// sending bytes, and exposes the installed Handlers directly for test code
// to drive service calls.
type SimHandlers struct {
	Handlers Handlers

	mu           sync.Mutex
	confirmed    []bacnet.COVNotification
	unconfirmed  []bacnet.COVNotification
	failNextSend bool
}

// NewSimHandlers wraps an installed Handlers implementation for test use.
func NewSimHandlers(h Handlers) *SimHandlers {
	return &SimHandlers{Handlers: h}
}

func (s *SimHandlers) SendConfirmedCOV(n bacnet.COVNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextSend {
		s.failNextSend = false
		return errSendFailed
	}
	s.confirmed = append(s.confirmed, n)
	return nil
}

func (s *SimHandlers) SendUnconfirmedCOV(n bacnet.COVNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextSend {
		s.failNextSend = false
		return errSendFailed
	}
	s.unconfirmed = append(s.unconfirmed, n)
	return nil
}

// FailNextSend makes the next outbound notification fail, for exercising
// CE's fanout-failure path.
func (s *SimHandlers) FailNextSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextSend = true
}

// Notifications returns copies of every notification sent so far, confirmed
// and unconfirmed in two separate slices, each in send order. The
// interleaving between the two slices is not preserved.
func (s *SimHandlers) Notifications() (confirmed, unconfirmed []bacnet.COVNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	confirmed = append([]bacnet.COVNotification(nil), s.confirmed...)
	unconfirmed = append([]bacnet.COVNotification(nil), s.unconfirmed...)
	return confirmed, unconfirmed
}

var errSendFailed = &sendError{"sim: simulated send failure"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }
