package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shiftline/shiftline/internal/media"
	"github.com/shiftline/shiftline/internal/telephony"
)

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// handleOfferAnswer runs when a worker picks up an outbound offer call:
// play the pre-synthesized offer and gather one digit.
func (s *Server) handleOfferAnswer(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	if s.offers.Audio(offerID) == nil {
		// Offer already resolved or expired; nothing to play.
		s.writeTwiML(w, telephony.HangupResponse())
		return
	}

	doc := telephony.OfferGatherResponse(
		s.cfg.PublicURL("/webhooks/offer/"+offerID+"/audio"),
		s.cfg.PublicURL("/webhooks/offer/"+offerID+"/gather"),
		s.cfg.OfferTimeoutSec,
	)
	s.writeTwiML(w, doc)
}

// handleOfferAudio serves the synthesized offer prompt as a mu-law WAV.
func (s *Server) handleOfferAudio(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	ulaw := s.offers.Audio(offerID)
	if ulaw == nil {
		http.NotFound(w, r)
		return
	}

	wav := media.WrapWAV(ulaw)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Write(wav) //nolint:errcheck
}

// handleOfferGather resolves an offer from the worker's keypress. No
// keypress within the gather window arrives as an empty Digits value.
func (s *Server) handleOfferGather(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	digit := r.PostFormValue("Digits")

	var res telephony.OfferResult
	var reply *telephony.Response
	switch digit {
	case "1":
		res = telephony.OfferResult{Outcome: telephony.OfferAccepted, Digit: digit}
		reply = &telephony.Response{Say: &telephony.Say{
			Text: "Thank you, the shift is yours. You will receive a confirmation text shortly. Goodbye.",
		}, Hangup: &telephony.Hangup{}}
	case "2":
		res = telephony.OfferResult{Outcome: telephony.OfferDeclined, Digit: digit}
		reply = &telephony.Response{Say: &telephony.Say{
			Text: "Understood, thank you. Goodbye.",
		}, Hangup: &telephony.Hangup{}}
	default:
		res = telephony.OfferResult{Outcome: telephony.OfferNoAnswer, Digit: digit}
		reply = telephony.HangupResponse()
	}

	s.offers.Resolve(offerID, res)
	s.logger.Info("offer gather", "offer_id", offerID, "digit", digit, "outcome", res.Outcome)
	s.writeTwiML(w, reply)
}

// handleOfferStatus receives call lifecycle updates for an offer leg. A
// terminal status with no prior gather resolution means the worker never
// picked up or the call failed outright.
func (s *Server) handleOfferStatus(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	status := r.PostFormValue("CallStatus")

	switch status {
	case "completed", "no-answer", "busy", "canceled":
		s.offers.Resolve(offerID, telephony.OfferResult{Outcome: telephony.OfferNoAnswer})
	case "failed":
		s.offers.Resolve(offerID, telephony.OfferResult{Outcome: telephony.OfferFailed})
	}
	w.WriteHeader(http.StatusNoContent)
}
