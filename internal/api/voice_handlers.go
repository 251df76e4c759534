package api

import (
	"net/http"

	"github.com/shiftline/shiftline/internal/recording"
	"github.com/shiftline/shiftline/internal/telephony"
)

// handleVoiceWebhook answers the carrier's inbound-call webhook with a
// control document that opens the bidirectional media stream. The caller's
// number is passed through as a stream parameter so the session does not
// need a control-API round trip.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.VoiceAIEnabled {
		// Agent disabled: hand the caller straight to a representative.
		s.writeTwiML(w, telephony.TransferResponse(
			s.cfg.TransferFallbackNumber, s.cfg.CarrierVoiceNumber, 30))
		return
	}

	from := r.PostFormValue("From")
	callSid := r.PostFormValue("CallSid")
	s.logger.Info("inbound call", "call_sid", callSid, "from", from)

	streamURL := "wss://" + s.cfg.PublicBaseDomain + "/media"
	doc := telephony.ConnectStreamResponse(
		streamURL,
		s.cfg.RecordingEnabled,
		s.cfg.PublicURL("/webhooks/recording-status"),
		from,
	)
	s.writeTwiML(w, doc)
}

// handleRecordingStatus receives the carrier's recording lifecycle
// callback and schedules the archive pipeline once the asset is complete.
func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	status := r.PostFormValue("RecordingStatus")
	if status != "completed" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job := recording.ArchiveJob{
		CallSid:      r.PostFormValue("CallSid"),
		RecordingSid: r.PostFormValue("RecordingSid"),
		RecordingURL: r.PostFormValue("RecordingUrl"),
	}
	if d := r.PostFormValue("RecordingDuration"); d != "" {
		job.DurationSec = atoiSafe(d)
	}
	if job.RecordingSid == "" || job.RecordingURL == "" {
		s.logger.Warn("recording callback missing fields", "call_sid", job.CallSid)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.pipeline.Enqueue(r.Context(), job); err != nil {
		s.logger.Error("recording enqueue failed", "call_sid", job.CallSid, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
