package telephony

import (
	"sync"
)

// OfferOutcome is the result of one outbound voice offer.
type OfferOutcome string

const (
	// OfferAccepted means the worker pressed 1.
	OfferAccepted OfferOutcome = "accepted"
	// OfferDeclined means the worker pressed 2.
	OfferDeclined OfferOutcome = "declined"
	// OfferNoAnswer covers busy, no pickup, and hangup without input.
	OfferNoAnswer OfferOutcome = "no-answer"
	// OfferFailed covers carrier errors placing or running the call.
	OfferFailed OfferOutcome = "failed"
)

// OfferResult is delivered when an outbound offer concludes.
type OfferResult struct {
	Outcome OfferOutcome
	Digit   string
}

// pendingOffer holds the synthesized audio and the result channel for one
// in-flight outbound offer.
type pendingOffer struct {
	audio  []byte
	result chan OfferResult
	done   bool
}

// OfferRegistry tracks in-flight outbound voice offers by offer id. The
// cascade registers an offer before dialing; the answer and gather
// webhooks serve its audio and resolve its result. The cascade's
// sequential loop guarantees at most one offer per shift is registered at
// any instant.
type OfferRegistry struct {
	mu     sync.Mutex
	offers map[string]*pendingOffer
}

// NewOfferRegistry creates an empty registry.
func NewOfferRegistry() *OfferRegistry {
	return &OfferRegistry{offers: make(map[string]*pendingOffer)}
}

// Register adds an offer with its pre-synthesized audio and returns the
// channel its result will be delivered on.
func (r *OfferRegistry) Register(offerID string, audio []byte) <-chan OfferResult {
	ch := make(chan OfferResult, 1)
	r.mu.Lock()
	r.offers[offerID] = &pendingOffer{audio: audio, result: ch}
	r.mu.Unlock()
	return ch
}

// Audio returns the synthesized audio for an offer, or nil if unknown.
func (r *OfferRegistry) Audio(offerID string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.offers[offerID]; ok {
		return o.audio
	}
	return nil
}

// Resolve delivers the offer's result. Only the first resolution counts;
// the gather webhook and the status webhook may both report.
func (r *OfferRegistry) Resolve(offerID string, res OfferResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[offerID]
	if !ok || o.done {
		return
	}
	o.done = true
	o.result <- res
}

// Release removes an offer after the cascade has consumed its result.
func (r *OfferRegistry) Release(offerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.offers, offerID)
}

// InFlight returns the number of unresolved offers. Serves the metrics
// collector.
func (r *OfferRegistry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.offers {
		if !o.done {
			n++
		}
	}
	return n
}
