package runtime

import (
	"sync"

	"github.com/ansa-io/ansa/internal/a2a"
)

// pendingAcks tracks envelopes submitted for reliable send until the
// matching ACK arrives or retries are exhausted. Keyed by the envelope's
// message id — which is the correlation id ACKs carry back.
//
// Accessed concurrently by the inbox handler (removal on ACK) and the
// send loop (insert, polling, removal on exhaustion).
type pendingAcks struct {
	mu      sync.Mutex
	entries map[string]*ackEntry
}

type ackEntry struct {
	env      *a2a.Envelope
	attempts int
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{entries: make(map[string]*ackEntry)}
}

// add registers an envelope awaiting acknowledgement.
func (p *pendingAcks) add(env *a2a.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[env.MessageID] = &ackEntry{env: env}
}

// ack removes the entry for messageID, cancelling its retransmission.
// Reports whether an entry was pending.
func (p *pendingAcks) ack(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[messageID]; !ok {
		return false
	}
	delete(p.entries, messageID)
	return true
}

// contains reports whether messageID is still awaiting an ACK.
func (p *pendingAcks) contains(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[messageID]
	return ok
}

// bumpAttempt increments the attempt counter, reporting false when the
// entry has already been acknowledged and removed.
func (p *pendingAcks) bumpAttempt(messageID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[messageID]
	if !ok {
		return 0, false
	}
	e.attempts++
	return e.attempts, true
}

// remove drops the entry without acknowledgement (retry exhaustion).
func (p *pendingAcks) remove(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, messageID)
}

// len reports the number of pending entries. Used by tests.
func (p *pendingAcks) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// pendingReplies correlates response bodies back to waiting requesters.
// Each correlation id owns a one-shot buffered channel: the inbox handler
// sends, the requester receives with a deadline. The first response wins;
// duplicates find no entry and are dropped by the caller.
type pendingReplies struct {
	mu      sync.Mutex
	entries map[string]chan a2a.ResponseBody
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{entries: make(map[string]chan a2a.ResponseBody)}
}

// create registers a waiter for correlationID and returns the channel the
// response will arrive on.
func (p *pendingReplies) create(correlationID string) <-chan a2a.ResponseBody {
	ch := make(chan a2a.ResponseBody, 1)
	p.mu.Lock()
	p.entries[correlationID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a response to the waiter and removes the entry.
// Reports false when no waiter exists (duplicate or stale response).
func (p *pendingReplies) resolve(correlationID string, body a2a.ResponseBody) bool {
	p.mu.Lock()
	ch, ok := p.entries[correlationID]
	if ok {
		delete(p.entries, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- body // buffered; never blocks
	return true
}

// remove reclaims the slot after a timeout.
func (p *pendingReplies) remove(correlationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, correlationID)
}

// len reports the number of outstanding waiters. Used by tests.
func (p *pendingReplies) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
