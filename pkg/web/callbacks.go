package web

import (
	"encoding/json"
	"net/http"

	"github.com/curious-containers/cc-server/pkg/types"
)

func (s *Server) postApplicationContainerCallback(w http.ResponseWriter, r *http.Request) {
	s.handleCallback(w, r, types.CollectionApplicationContainers)
}

func (s *Server) postDataContainerCallback(w http.ResponseWriter, r *http.Request) {
	s.handleCallback(w, r, types.CollectionDataContainers)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, collection string) {
	var cb types.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateCallback(cb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	response, status := s.dispatcher.Handle(collection, cb)
	if response == nil {
		writeError(w, status, http.StatusText(status))
		return
	}
	writeJSON(w, status, response)
}
