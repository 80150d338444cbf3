// Package health exposes the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const checkTimeout = 2 * time.Second

// Checker probes one dependency; nil means healthy.
type Checker func(ctx context.Context) error

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// LivenessHandler answers as long as the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, report{
			Status: "ok",
			Checks: map[string]string{"process": "ok"},
		})
	}
}

// ReadinessHandler runs every dependency check; any failure makes the
// probe non-200 so the load balancer stops routing here.
func ReadinessHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		rep := report{Status: "ok", Checks: make(map[string]string, len(checks))}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				rep.Checks[name] = "fail: " + err.Error()
				rep.Status = "fail"
			} else {
				rep.Checks[name] = "ok"
			}
		}

		status := http.StatusOK
		if rep.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, rep)
	}
}

func writeReport(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rep)
}
