package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/carpool-ledger/internal/ledger"
	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/session"
)

func rideIDFromPath(r *http.Request) (models.RideID, error) {
	raw := mux.Vars(r)["id"]
	id, err := models.ParseRideID(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: ride id %q", models.ErrInvalidInput, raw)
	}
	return id, nil
}

type placesRequest struct {
	Pickup  string `json:"pickup"`
	Dropoff string `json:"dropoff"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if _, err := s.session(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req placesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.rides.Quote(r.Context(), req.Pickup, req.Dropoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.quoteView(q))
}

type requestView struct {
	RideID  models.RideID  `json:"ride_id"`
	Quote   quoteView      `json:"quote"`
	Receipt ledger.Receipt `json:"receipt"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireRole(r, session.RolePassenger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req placesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.RequestRide(r.Context(), sess.Account, req.Pickup, req.Dropoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestView{RideID: res.RideID, Quote: s.quoteView(res.Quote), Receipt: res.Receipt})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	if _, err := s.session(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := rideIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.GetRide(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rideView(ride))
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireRole(r, session.RoleDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := rideIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.AcceptRide(r.Context(), sess.Account, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireRole(r, session.RoleDriver)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := rideIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.CompleteRide(r.Context(), sess.Account, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireRole(r, session.RoleDriver); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.ListAvailable(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listView(res))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireLogin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.ListActive(r.Context(), sess.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listView(res))
}

func (s *Server) handleListCompleted(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireLogin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.ListCompleted(r.Context(), sess.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.listView(res))
}

func (s *Server) handleReadChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireLogin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := rideIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := sess.Chat.Read(r.Context(), id, sess.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": id, "messages": msgs})
}

type chatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.requireLogin(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := rideIDFromPath(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := sess.Chat.Send(r.Context(), id, sess.Account, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
