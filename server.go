package tcc

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/unrolled/render"
)

// maxTimeoutMs is the largest timeout_ms that fits in a time.Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

type beginRequest struct {
	Seq    int32        `json:"seq"`
	Expire []*Procedure `json:"expire"`
}

type beginResponse struct {
	TxID uint64 `json:"txid"`
}

type actionRequest struct {
	Seq        int32        `json:"seq"`
	TimeoutMs  int64        `json:"timeout_ms,omitempty"`
	Procedures []*Procedure `json:"procedures"`
}

type actionResponse struct {
	Code    ResultCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Actual string `json:"actual,omitempty"`
}

// Server exposes the coordinator over HTTP.
type Server struct {
	coordinator *Coordinator
	rd          *render.Render
	router      *mux.Router
}

func NewServer(coordinator *Coordinator) *Server {
	s := &Server{
		coordinator: coordinator,
		rd:          render.New(render.Options{IndentJSON: true}),
		router:      mux.NewRouter(),
	}
	s.router.HandleFunc("/tcc/begin", s.begin).Methods("POST")
	s.router.HandleFunc("/tcc/{id}/confirm", s.action(ActionConfirm)).Methods("POST")
	s.router.HandleFunc("/tcc/{id}/cancel", s.action(ActionCancel)).Methods("POST")
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) begin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.rd.JSON(w, http.StatusBadRequest, &errorResponse{Error: err.Error()})
		return
	}

	id, err := s.coordinator.Begin(req.Seq, req.Expire)
	if err != nil {
		s.rd.JSON(w, http.StatusInternalServerError, &errorResponse{Error: err.Error()})
		return
	}
	s.rd.JSON(w, http.StatusOK, &beginResponse{TxID: id})
}

func (s *Server) action(action Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			s.rd.JSON(w, http.StatusBadRequest, &errorResponse{Error: "invalid transaction id"})
			return
		}

		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.rd.JSON(w, http.StatusBadRequest, &errorResponse{Error: err.Error()})
			return
		}

		if req.TimeoutMs < 0 || req.TimeoutMs > maxTimeoutMs {
			s.rd.JSON(w, http.StatusBadRequest, &errorResponse{Error: "timeout_ms out of range"})
			return
		}
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		var code ResultCode
		if action == ActionConfirm {
			code, err = s.coordinator.ConfirmTimeout(r.Context(), req.Seq, id, timeout, req.Procedures)
		} else {
			code, err = s.coordinator.CancelTimeout(r.Context(), req.Seq, id, timeout, req.Procedures)
		}

		if e, ok := IsIllegalAction(err); ok {
			s.rd.JSON(w, http.StatusConflict, &errorResponse{Error: e.Error(), Actual: e.Actual.String()})
			return
		}
		if err != nil {
			s.rd.JSON(w, http.StatusInternalServerError, &errorResponse{Error: err.Error()})
			return
		}
		s.rd.JSON(w, http.StatusOK, &actionResponse{Code: code, Message: code.String()})
	}
}
