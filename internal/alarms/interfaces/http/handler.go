package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	alarmapp "fleetwatch/internal/alarms/application"
	alarms "fleetwatch/internal/alarms/domain"
	alarminterfaces "fleetwatch/internal/alarms/interfaces"
	"fleetwatch/internal/auth"
)

const (
	basePath   = "/api/v1/alarm-rules"
	timeLayout = time.RFC3339
)

// AlarmHistoryReader reads recorded alarm instances for a rule.
type AlarmHistoryReader interface {
	ListByRule(ctx context.Context, ruleID string, from, to time.Time, onlyOpen bool) ([]alarms.AlarmInstance, error)
}

// Handler provides alarm rule HTTP endpoints.
type Handler struct {
	store     *alarmapp.RuleStore
	previewer *alarmapp.Previewer
	stats     *alarmapp.StatsEngine
	scheduler *alarmapp.Scheduler
	history   AlarmHistoryReader
}

// NewHandler constructs a handler.
func NewHandler(store *alarmapp.RuleStore, previewer *alarmapp.Previewer, stats *alarmapp.StatsEngine, scheduler *alarmapp.Scheduler, history AlarmHistoryReader) (*Handler, error) {
	if store == nil {
		return nil, errors.New("alarm rules handler: nil store")
	}
	if previewer == nil {
		return nil, errors.New("alarm rules handler: nil previewer")
	}
	if stats == nil {
		return nil, errors.New("alarm rules handler: nil stats engine")
	}
	return &Handler{store: store, previewer: previewer, stats: stats, scheduler: scheduler, history: history}, nil
}

// ServeHTTP handles /api/v1/alarm-rules and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == basePath:
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case r.URL.Path == basePath+"/preview":
		h.handlePreview(w, r)
	case r.URL.Path == basePath+"/stats":
		h.handleStats(w, r)
	case r.URL.Path == basePath+"/stats/export.xlsx":
		h.handleStatsExport(w, r, "xlsx")
	case r.URL.Path == basePath+"/stats/export.pdf":
		h.handleStatsExport(w, r, "pdf")
	case strings.HasPrefix(r.URL.Path, basePath+"/"):
		h.handleRule(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ruleRequest is the client-settable subset of a rule definition.
type ruleRequest struct {
	Name            string                `json:"name"`
	Description     string                `json:"description,omitempty"`
	Enabled         bool                  `json:"enabled"`
	Severity        string                `json:"severity"`
	Origin          string                `json:"origin,omitempty"`
	Selector        alarms.TargetSelector `json:"target_selector"`
	Condition       *alarms.ConditionNode `json:"condition"`
	Timing          alarms.Timing         `json:"timing"`
	MessageTemplate string                `json:"message_template,omitempty"`
}

func (req ruleRequest) toRule() alarms.AlarmRule {
	return alarms.AlarmRule{
		Name:            req.Name,
		Description:     req.Description,
		Enabled:         req.Enabled,
		Severity:        alarms.Severity(req.Severity),
		Origin:          req.Origin,
		Selector:        req.Selector,
		Condition:       req.Condition,
		Timing:          req.Timing,
		MessageTemplate: req.MessageTemplate,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeStrict(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule := req.toRule()
	rule.CreatedBy = auth.SubjectFromContext(r.Context())
	if err := h.store.Create(r.Context(), &rule); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleRule(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, basePath+"/")
	parts := strings.Split(path, "/")

	switch len(parts) {
	case 1:
		id := parts[0]
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, id)
		case http.MethodPut:
			h.handleUpdate(w, r, id)
		case http.MethodDelete:
			h.handleDelete(w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case 2:
		id, action := parts[0], parts[1]
		switch action {
		case "enable", "disable":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleSetEnabled(w, r, id, action == "enable")
		case "alarms":
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleAlarms(w, r, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	rule, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	var req ruleRequest
	if err := decodeStrict(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rule := req.toRule()
	rule.ID = id
	if err := h.store.Update(r.Context(), &rule); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.SoftDelete(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	if h.scheduler != nil {
		h.scheduler.DropRuleState(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetEnabled(w http.ResponseWriter, r *http.Request, id string, enabled bool) {
	rule, err := h.store.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !enabled && h.scheduler != nil {
		// Disabling discards timing state; re-enabling starts from idle.
		h.scheduler.DropRuleState(r.Context(), id)
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleAlarms(w http.ResponseWriter, r *http.Request, id string) {
	if h.history == nil {
		http.Error(w, "alarm history unavailable", http.StatusServiceUnavailable)
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	onlyOpen := r.URL.Query().Get("open") == "true"

	list, err := h.history.ListByRule(r.Context(), id, from, to, onlyOpen)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// previewRequest is an unpersisted selector/condition pair.
type previewRequest struct {
	Selector  alarms.TargetSelector `json:"target_selector"`
	Condition *alarms.ConditionNode `json:"condition"`
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req previewRequest
	if err := decodeStrict(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.previewer.Preview(r.Context(), req.Selector, req.Condition)
	if err != nil {
		if alarms.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, result, ok := h.computeStats(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStatsExport(w http.ResponseWriter, r *http.Request, format string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, result, ok := h.computeStats(w, r)
	if !ok {
		return
	}

	var payload []byte
	var err error
	switch format {
	case "xlsx":
		payload, err = alarminterfaces.BuildStatsXLSX(req, result)
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="sensor-stats.xlsx"`)
	case "pdf":
		payload, err = alarminterfaces.BuildStatsPDF(req, result)
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="sensor-stats.pdf"`)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(payload)
}

func (h *Handler) computeStats(w http.ResponseWriter, r *http.Request) (alarmapp.StatsRequest, alarmapp.StatsResult, bool) {
	var req alarmapp.StatsRequest
	if err := decodeStrict(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, alarmapp.StatsResult{}, false
	}
	result, err := h.stats.Compute(r.Context(), req)
	if err != nil {
		if alarms.IsValidation(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return req, alarmapp.StatsResult{}, false
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return req, alarmapp.StatsResult{}, false
	}
	return req, result, true
}

func decodeStrict(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, alarms.ErrNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if alarms.IsValidation(err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
