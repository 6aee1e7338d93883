package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/services/analysis"
)

type analyzePayload struct {
	Query      string            `json:"query"`
	Sources    []market.SourceId `json:"sources"`
	MaxResults int               `json:"max_results"`
	// seconds, zero means no deadline beyond the request context
	Deadline int `json:"deadline"`
}

func analyzeHandler(service *analysis.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload analyzePayload
		err := json.NewDecoder(r.Body).Decode(&payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(payload.Sources) == 0 {
			payload.Sources = []market.SourceId{market.Wildberries, market.Ozon, market.Yandex, market.Trends}
		}

		result, err := service.Analyze(r.Context(), analysis.AnalyzeRequest{
			Query:      payload.Query,
			Sources:    payload.Sources,
			MaxResults: payload.MaxResults,
			Deadline:   time.Duration(payload.Deadline) * time.Second,
		})
		if err != nil {
			// Analyze only errors on malformed requests, upstream
			// failures degrade inside the result instead
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJson(w, r, result)
	}
}

type submitPayload struct {
	Query    string           `json:"query"`
	Products []market.Product `json:"products"`
}

func submitHandler(service *analysis.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload submitPayload
		err := json.NewDecoder(r.Body).Decode(&payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		err = service.SubmitManualData(r.Context(), payload.Query, payload.Products)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJson(w, r, map[string]int{"stored": len(payload.Products)})
	}
}

func writeJson(w http.ResponseWriter, r *http.Request, value any) {
	w.Header().Set("content-type", "application/json")
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to write response", "err", err.Error())
	}
}
