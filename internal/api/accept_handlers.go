package api

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shiftline/shiftline/internal/cascade"
)

// acceptPage is the minimal HTML shell for accept-link outcomes. Workers
// open these links from SMS on a phone; one sentence is the whole UI.
const acceptPage = `<!doctype html>
<html><head><meta name="viewport" content="width=device-width, initial-scale=1"><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 28rem; margin: 4rem auto; text-align: center;">
<h1 style="font-size: 1.4rem;">%s</h1><p>%s</p>
</body></html>`

func writeAcceptPage(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, acceptPage, html.EscapeString(title), html.EscapeString(title), html.EscapeString(detail))
}

// handleAcceptLink claims a shift from an SMS accept link. First tap wins;
// everyone later sees the already-filled page.
func (s *Server) handleAcceptLink(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	shift, err := s.cascade.Accept(r.Context(), token)
	switch {
	case err == nil:
		s.logger.Info("shift accepted via link", "shift_id", shift.ID)
		writeAcceptPage(w, http.StatusOK, "Shift confirmed",
			"You're booked for "+shift.PatientDisplay+" on "+shift.LocalDisplay+". A confirmation text is on its way.")
	case errors.Is(err, cascade.ErrShiftFilled):
		writeAcceptPage(w, http.StatusConflict, "Shift already taken",
			"Someone else picked this one up first. Keep an eye out for the next offer.")
	case errors.Is(err, cascade.ErrShiftClosed):
		writeAcceptPage(w, http.StatusGone, "Offer closed",
			"This shift is no longer available.")
	case errors.Is(err, cascade.ErrBadLink):
		writeAcceptPage(w, http.StatusForbidden, "Link expired",
			"This link is invalid or has expired.")
	default:
		s.logger.Error("accept link failed", "error", err)
		writeAcceptPage(w, http.StatusInternalServerError, "Something went wrong",
			"Please try the link again in a moment.")
	}
}
