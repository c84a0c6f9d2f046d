package routers

import (
	"fedcoord/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for the coordinator
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Submits a new federated training job
	r.HandleFunc("/jobs", h.StartJob).Methods("POST")

	// Lists every tracked job, terminal states included
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")

	// Looks up a job's current state, round and roster
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")

	// Terminates a job without completing its remaining rounds
	r.HandleFunc("/jobs/{id}/abort", h.AbortJob).Methods("POST")

	// Lists connected nodes, optionally filtered by ?status=
	r.HandleFunc("/nodes", h.ListNodes).Methods("GET")

	// Retrieves the full audit chain
	r.HandleFunc("/ledger", h.GetLedger).Methods("GET")

	// Health probe: chain length plus integrity verification
	r.HandleFunc("/ledger/validate", h.ValidateLedger).Methods("GET")

	// Persisted global model artifacts of completed jobs
	r.HandleFunc("/models", h.ListModels).Methods("GET")
	r.HandleFunc("/models/{id}", h.GetModel).Methods("GET")

	// Auxiliary dataset descriptors
	r.HandleFunc("/datasets", h.RegisterDataset).Methods("POST")
	r.HandleFunc("/datasets", h.ListDatasets).Methods("GET")
	r.HandleFunc("/datasets/{id}", h.GetDataset).Methods("GET")
}
