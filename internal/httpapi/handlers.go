package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"referlane/internal/attribution"
	"referlane/internal/domain"
	"referlane/internal/observability"
	"referlane/internal/store"
)

type BatchRunner interface {
	RunBatch(ctx context.Context, batchSize int, campaignID string) (domain.BatchResult, error)
}

type StoreReader interface {
	CampaignByID(ctx context.Context, campaignID string) (store.Campaign, bool, error)
	EventsForBusiness(ctx context.Context, businessID string, limit int) ([]store.Event, error)
}

type API struct {
	Attribution *attribution.Service
	Runner      BatchRunner
	Reader      StoreReader
	BatchSize   int
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/discount-codes/redeem", a.handleRedeem).Methods(http.MethodPost)
	r.HandleFunc("/api/dispatch/run", a.handleDispatchRun).Methods(http.MethodPost)
	r.HandleFunc("/api/campaigns/{id}/dispatch", a.handleDispatchRun).Methods(http.MethodPost)
	r.HandleFunc("/api/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	r.HandleFunc("/api/businesses/{id}/events", a.handleListEvents).Methods(http.MethodGet)
}

func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req domain.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		observability.APIRequests.WithLabelValues("/api/discount-codes/redeem", "400").Inc()
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Attribution.Redeem(r.Context(), r.Header.Get(SecretHeader), req)
	if err != nil {
		status := redeemStatus(err)
		observability.APIRequests.WithLabelValues("/api/discount-codes/redeem", strconv.Itoa(status)).Inc()
		if status == http.StatusBadGateway {
			slog.Error("redeem failed",
				"err", err,
				"order_reference", req.OrderReference,
				"discount_code", req.DiscountCode,
			)
			http.Error(w, ErrDependency, status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}

	observability.APIRequests.WithLabelValues("/api/discount-codes/redeem", "200").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func redeemStatus(err error) int {
	switch {
	case errors.Is(err, attribution.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, attribution.ErrUnknownCode):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrNegativeAmount):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// handleDispatchRun triggers a batch inline. /api/campaigns/{id}/dispatch
// restricts the batch to one campaign; /api/dispatch/run takes whatever is
// due. Overlap with the cron dispatcher is safe: claims are conditional.
func (a *API) handleDispatchRun(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["id"]

	batchSize := a.BatchSize
	if v := r.URL.Query().Get("batchSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid batchSize", http.StatusBadRequest)
			return
		}
		batchSize = n
	}

	res, err := a.Runner.RunBatch(r.Context(), batchSize, campaignID)
	if err != nil {
		slog.Error("dispatch run failed", "campaign_id", campaignID, "err", err)
		observability.APIRequests.WithLabelValues("/api/dispatch/run", "502").Inc()
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	observability.APIRequests.WithLabelValues("/api/dispatch/run", "200").Inc()
	writeJSON(w, http.StatusOK, res)
}

type campaignView struct {
	ID              string `json:"id"`
	BusinessID      string `json:"businessId"`
	Name            string `json:"name"`
	Channel         string `json:"channel"`
	Status          string `json:"status"`
	TotalRecipients int    `json:"totalRecipients"`
	SentCount       int    `json:"sentCount"`
	FailedCount     int    `json:"failedCount"`
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, found, err := a.Reader.CampaignByID(r.Context(), id)
	if err != nil {
		slog.Error("get campaign failed", "campaign_id", id, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, campaignView{
		ID:              c.ID,
		BusinessID:      c.BusinessID,
		Name:            c.Name,
		Channel:         string(c.Channel),
		Status:          string(c.Status),
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
	})
}

type eventView struct {
	ID           string            `json:"id"`
	AmbassadorID string            `json:"ambassadorId,omitempty"`
	EventType    string            `json:"eventType"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"createdAt"`
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	businessID := mux.Vars(r)["id"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := a.Reader.EventsForBusiness(r.Context(), businessID, limit)
	if err != nil {
		slog.Error("list events failed", "business_id", businessID, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{
			ID:           e.ID,
			AmbassadorID: e.AmbassadorID,
			EventType:    e.EventType,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
