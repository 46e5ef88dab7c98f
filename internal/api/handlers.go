package api

import (
	"net/http"
)

type newDeploymentResponse struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Command []string `json:"command"`
}

// handleNew implements POST /api/new: the image archive is the request
// body, the deployment name comes from a header (avoiding multipart
// parsing on a large binary body). The response is returned only after the
// registry has been persisted and the listener is accepting.
func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-Image-Name")
	if name == "" {
		writeValidationError(w, "missing X-Image-Name header")
		return
	}
	if err := validateDeploymentName(name); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	defer r.Body.Close()

	dep, err := s.publisher.Publish(name, r.Body)
	if err != nil {
		s.logger.Error("failed to publish deployment", "name", name, "err", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeploymentResponse{
		Name:    dep.Name,
		Address: dep.Address,
		Command: dep.Command,
	})
}

type ipResponse struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// handleIP implements GET /api/ip/{name}.
func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	dep, err := s.publisher.Lookup(name)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ipResponse{Name: dep.Name, Address: dep.Address})
}

type listEntry struct {
	Address string   `json:"address"`
	Command []string `json:"command"`
}

// handleList implements GET /api/list.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	deployments := s.publisher.List()

	out := make(map[string]listEntry, len(deployments))
	for _, d := range deployments {
		out[d.Name] = listEntry{Address: d.Address, Command: d.Command}
	}

	writeJSON(w, http.StatusOK, out)
}
