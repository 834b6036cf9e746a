package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/abshkbh/qalloc/pkg/qubit"
	"github.com/abshkbh/qalloc/pkg/server"
)

// sendErrorResponse sends a standardized error response to the client.
func sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	resp := server.ErrorResponse{
		Error: &server.ErrorResponseError{
			Message: message,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// statusFor maps allocator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, server.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, qubit.ErrArgument):
		return http.StatusBadRequest
	case errors.Is(err, qubit.ErrInvalidOperation):
		return http.StatusConflict
	case errors.Is(err, qubit.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type restServer struct {
	registry *server.Registry
}

func newRouter(registry *server.Registry) *mux.Router {
	s := &restServer{registry: registry}
	r := mux.NewRouter()

	r.HandleFunc("/pools", s.createPool).Methods("POST")
	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools", s.deleteAllPools).Methods("DELETE")
	r.HandleFunc("/pools/{id}", s.getPool).Methods("GET")
	r.HandleFunc("/pools/{id}", s.deletePool).Methods("DELETE")
	r.HandleFunc("/pools/{id}/allocate", s.allocate).Methods("POST")
	r.HandleFunc("/pools/{id}/release", s.release).Methods("POST")
	r.HandleFunc("/pools/{id}/borrow", s.borrow).Methods("POST")
	r.HandleFunc("/pools/{id}/return", s.giveBack).Methods("POST")
	r.HandleFunc("/pools/{id}/disable", s.disable).Methods("POST")
	r.HandleFunc("/pools/{id}/frames", s.pushFrame).Methods("POST")
	r.HandleFunc("/pools/{id}/frames", s.popFrame).Methods("DELETE")
	r.HandleFunc("/pools/{id}/exclusion", s.exclusion).Methods("GET")
	r.HandleFunc("/pools/{id}/areas", s.startArea).Methods("POST")
	r.HandleFunc("/pools/{id}/areas/segments", s.nextSegment).Methods("POST")
	r.HandleFunc("/pools/{id}/areas", s.endArea).Methods("DELETE")
	return r
}

// pool resolves the {id} route variable, answering 404 itself on failure.
func (s *restServer) pool(w http.ResponseWriter, r *http.Request, logger *log.Entry) (*server.Pool, bool) {
	id := mux.Vars(r)["id"]
	p, err := s.registry.Get(id)
	if err != nil {
		logger.WithField("pool", id).WithError(err).Error("Unknown pool")
		sendErrorResponse(w, statusFor(err), err.Error())
		return nil, false
	}
	return p, true
}

func decode(w http.ResponseWriter, r *http.Request, logger *log.Entry, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.WithError(err).Error("Invalid request body")
		sendErrorResponse(
			w,
			http.StatusBadRequest,
			fmt.Sprintf("Invalid request format: %v", err))
		return false
	}
	return true
}

func (s *restServer) fail(w http.ResponseWriter, logger *log.Entry, p *server.Pool, what string, err error) {
	logger.WithField("pool", p.ID()).WithError(err).Error("Failed to " + what)
	sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to %s: %v", what, err))
}

func (s *restServer) createPool(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("api", "createPool")

	defaults := s.registry.Defaults()
	req := server.CreatePoolRequest{Allocator: &defaults}
	if r.ContentLength != 0 && !decode(w, r, logger, &req) {
		return
	}

	p, err := s.registry.Create(req.Allocator)
	if err != nil {
		logger.WithError(err).Error("Failed to create pool")
		sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to create pool: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p.Stats())
}

func (s *restServer) listPools(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, server.ListPoolsResponse{Pools: s.registry.List()})
}

func (s *restServer) deleteAllPools(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, server.DeleteAllResponse{Deleted: s.registry.DeleteAll()})
}

func (s *restServer) getPool(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("api", "getPool")
	p, ok := s.pool(w, r, logger)
	if !ok {
		return
	}
	sendResponse(w, p.Stats())
}

func (s *restServer) deletePool(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("api", "deletePool")
	id := mux.Vars(r)["id"]
	if err := s.registry.Delete(id); err != nil {
		logger.WithField("pool", id).WithError(err).Error("Failed to delete pool")
		sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to delete pool: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// counted serves allocate and borrow.
func (s *restServer) counted(api string, op func(p *server.Pool, n int) ([]qubit.ID, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithField("api", api)
		p, ok := s.pool(w, r, logger)
		if !ok {
			return
		}
		var req server.CountRequest
		if !decode(w, r, logger, &req) {
			return
		}
		ids, err := op(p, req.Count)
		if err != nil {
			s.fail(w, logger, p, api, err)
			return
		}
		logger.WithFields(log.Fields{
			"pool":  p.ID(),
			"count": len(ids),
		}).Debug("ids handed out")
		sendResponse(w, server.IDsResponse{IDs: ids})
	}
}

// listed serves release, return and disable.
func (s *restServer) listed(api string, op func(p *server.Pool, ids []qubit.ID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithField("api", api)
		p, ok := s.pool(w, r, logger)
		if !ok {
			return
		}
		var req server.IDsRequest
		if !decode(w, r, logger, &req) {
			return
		}
		if err := op(p, req.IDs); err != nil {
			s.fail(w, logger, p, api, err)
			return
		}
		sendResponse(w, p.Stats())
	}
}

// stacked serves the frame and reuse-area transitions.
func (s *restServer) stacked(api string, op func(p *server.Pool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithField("api", api)
		p, ok := s.pool(w, r, logger)
		if !ok {
			return
		}
		if err := op(p); err != nil {
			s.fail(w, logger, p, api, err)
			return
		}
		sendResponse(w, p.Stats())
	}
}

func (s *restServer) allocate(w http.ResponseWriter, r *http.Request) {
	s.counted("allocate", (*server.Pool).Allocate)(w, r)
}

func (s *restServer) borrow(w http.ResponseWriter, r *http.Request) {
	s.counted("borrow", (*server.Pool).Borrow)(w, r)
}

func (s *restServer) release(w http.ResponseWriter, r *http.Request) {
	s.listed("release", (*server.Pool).Release)(w, r)
}

func (s *restServer) giveBack(w http.ResponseWriter, r *http.Request) {
	s.listed("return", (*server.Pool).Return)(w, r)
}

func (s *restServer) disable(w http.ResponseWriter, r *http.Request) {
	s.listed("disable", (*server.Pool).Disable)(w, r)
}

func (s *restServer) pushFrame(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("api", "pushFrame")
	p, ok := s.pool(w, r, logger)
	if !ok {
		return
	}
	var req server.FrameRequest
	if r.ContentLength != 0 && !decode(w, r, logger, &req) {
		return
	}
	if err := p.PushFrame(req.Args); err != nil {
		s.fail(w, logger, p, "push frame", err)
		return
	}
	sendResponse(w, p.Stats())
}

func (s *restServer) popFrame(w http.ResponseWriter, r *http.Request) {
	s.stacked("pop frame", (*server.Pool).PopFrame)(w, r)
}

func (s *restServer) exclusion(w http.ResponseWriter, r *http.Request) {
	logger := log.WithField("api", "exclusion")
	p, ok := s.pool(w, r, logger)
	if !ok {
		return
	}
	current, parent := p.Exclusion()
	sendResponse(w, server.ExclusionResponse{Current: current, Parent: parent})
}

func (s *restServer) startArea(w http.ResponseWriter, r *http.Request) {
	s.stacked("start reuse area", (*server.Pool).StartReuseArea)(w, r)
}

func (s *restServer) nextSegment(w http.ResponseWriter, r *http.Request) {
	s.stacked("next reuse segment", (*server.Pool).NextReuseSegment)(w, r)
}

func (s *restServer) endArea(w http.ResponseWriter, r *http.Request) {
	s.stacked("end reuse area", (*server.Pool).EndReuseArea)(w, r)
}
