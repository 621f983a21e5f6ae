package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/consultd/internal/catalog"
	"github.com/basket/consultd/internal/mandate"
	"github.com/basket/consultd/internal/persistence"
)

const (
	AgentName        = "Business Consultant Agent (AP2)"
	AgentDescription = "Professional business consulting agent with AP2 payment protocol support"
	AgentVersion     = "2.0.0"
)

// AgentCard follows the A2A agent card schema with the AP2 capability
// block layered on top.
type AgentCard struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Provider       string         `json:"provider"`
	URL            string         `json:"url"`
	Version        string         `json:"version"`
	Capabilities   []string       `json:"capabilities"`
	Authentication Authentication `json:"authentication"`
	AP2            AP2Support     `json:"ap2"`
	Skills         []CardSkill    `json:"skills"`
}

type Authentication struct {
	Schemes []string `json:"schemes"`
}

type AP2Support struct {
	Supported      bool     `json:"supported"`
	Version        string   `json:"version"`
	PaymentMethods []string `json:"payment_methods"`
	MandateTypes   []string `json:"mandate_types"`
}

type CardSkill struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputModes  []string    `json:"inputModes"`
	OutputModes []string    `json:"outputModes"`
	Pricing     CardPricing `json:"pricing"`
}

type CardPricing struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Model    string  `json:"model"`
}

// handleAgentCard handles GET /.well-known/agent.json requests.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	skills := make([]CardSkill, 0, len(catalog.All()))
	for _, entry := range catalog.All() {
		skills = append(skills, CardSkill{
			ID:          string(entry.Skill),
			Name:        entry.Description,
			Description: entry.Description,
			InputModes:  []string{"text"},
			OutputModes: []string{"text"},
			Pricing: CardPricing{
				Amount:   entry.Price,
				Currency: catalog.Currency,
				Model:    "per_transaction",
			},
		})
	}

	card := AgentCard{
		Name:           AgentName,
		Description:    AgentDescription,
		Provider:       s.cfg.MerchantName,
		URL:            s.cfg.BaseURL + "/a2a",
		Version:        AgentVersion,
		Capabilities:   []string{"streaming", "pushNotifications", "ap2-payments"},
		Authentication: Authentication{Schemes: []string{"Bearer"}},
		AP2: AP2Support{
			Supported:      true,
			Version:        "0.1",
			PaymentMethods: []string{"card", "bank_transfer"},
			MandateTypes:   []string{"intent", "cart", "payment"},
		},
		Skills: skills,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(card)
}

// handleRoot serves the info endpoint.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	services := make([]map[string]any, 0, len(catalog.All()))
	for _, entry := range catalog.All() {
		services = append(services, map[string]any{
			"id":          string(entry.Skill),
			"description": entry.Description,
			"price":       fmt.Sprintf("$%.2f %s", entry.Price, catalog.Currency),
		})
	}

	payload := map[string]any{
		"agent":            AgentName,
		"version":          AgentVersion,
		"status":           "operational",
		"payment_protocol": "AP2 v0.1",
		"services":         services,
		"agent_card":       s.cfg.BaseURL + "/.well-known/agent.json",
		"config":           s.cfg.ConfigFingerprint,
		"flow": []string{
			"createIntentMandate", "createCartMandate", "processPayment", "submitTask",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil

	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"agent":   AgentName,
		"version": AgentVersion,
	}
	if counts, err := s.cfg.Store.TaskCounts(r.Context()); err == nil {
		payload["tasks"] = map[string]int64{
			"payment_required": counts[persistence.TaskStatusPaymentRequired],
			"working":          counts[persistence.TaskStatusWorking],
			"completed":        counts[persistence.TaskStatusCompleted],
			"failed":           counts[persistence.TaskStatusFailed],
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleCartMandate serves GET /mandates/cart/{id}.
func (s *Server) handleCartMandate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/mandates/cart/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	cart, err := s.cfg.Mandates.GetCart(r.Context(), id)
	if err != nil {
		s.writeMandateError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cart_id": id, "cart_mandate": cart})
}

// handlePaymentMandate serves GET /mandates/payment/{id}.
func (s *Server) handlePaymentMandate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/mandates/payment/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	pm, err := s.cfg.Mandates.GetPayment(r.Context(), id)
	if err != nil {
		s.writeMandateError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"payment_mandate_id": id, "payment_mandate": pm})
}

func (s *Server) writeMandateError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch err {
	case mandate.ErrCartNotFound, mandate.ErrPaymentMandateNotFound:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal error"})
	}
}
