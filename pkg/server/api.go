package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/johanzander/growatt-server-upstream/pkg/coordinator"
	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/setup"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

type throttleEntry struct {
	Category          string    `json:"category"`
	LastAttempt       time.Time `json:"lastAttempt"`
	CooldownSeconds   float64   `json:"cooldownSeconds"`
	Allowed           bool      `json:"allowed"`
	RetryAfterSeconds float64   `json:"retryAfterSeconds"`
	RetryIn           string    `json:"retryIn,omitempty"`
}

func (s *Server) handleThrottle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.throttle.Now()

	entries := s.throttle.Entries(ctx)
	out := make([]throttleEntry, 0, len(entries))
	for _, e := range entries {
		d := e.DecisionAt(now)
		te := throttleEntry{
			Category:          e.Category,
			LastAttempt:       e.LastAttempt,
			CooldownSeconds:   e.Cooldown.Seconds(),
			Allowed:           d.Allowed,
			RetryAfterSeconds: d.RetryAfter.Seconds(),
		}
		if !d.Allowed {
			te.RetryIn = throttle.FormatWait(d.RetryAfter)
		}
		out = append(out, te)
	}

	writeJSON(w, struct {
		Now     time.Time       `json:"now"`
		Entries []throttleEntry `json:"entries"`
	}{Now: now, Entries: out})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	var active []setup.Notification
	if s.notifications != nil {
		active = s.notifications.Active()
	}
	if active == nil {
		active = []setup.Notification{}
	}
	writeJSON(w, struct {
		Notifications []setup.Notification `json:"notifications"`
	}{Notifications: active})
}

type deviceSummary struct {
	ID          string    `json:"id"`
	EntryID     string    `json:"entryID"`
	DeviceType  string    `json:"deviceType"`
	PlantID     string    `json:"plantID"`
	APIVersion  string    `json:"apiVersion"`
	LastUpdated time.Time `json:"lastUpdated"`
	LastError   string    `json:"lastError,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	out := make([]deviceSummary, 0, len(all))
	for _, c := range all {
		snap := c.Data()
		out = append(out, deviceSummary{
			ID:          c.ID(),
			EntryID:     c.EntryID(),
			DeviceType:  c.DeviceType(),
			PlantID:     snap.PlantID,
			APIVersion:  c.APIVersion(),
			LastUpdated: snap.LastUpdated,
			LastError:   snap.LastError,
		})
	}
	writeJSON(w, struct {
		Devices []deviceSummary `json:"devices"`
	}{Devices: out})
}

func (s *Server) getCoordinator(w http.ResponseWriter, r *http.Request) (*coordinator.Coordinator, bool) {
	c, ok := s.registry.Get(r.PathValue("entryID"), r.PathValue("id"))
	if !ok {
		writeJSONError(w, "device not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	writeJSON(w, c.Data())
}

func (s *Server) handleGetSegments(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	segments, err := c.TimeSegments(r.Context())
	if err != nil {
		writeCoordinatorError(w, r, "failed to read time segments", err)
		return
	}
	writeJSON(w, struct {
		Segments []types.TimeSegment `json:"segments"`
	}{Segments: segments})
}

type updateSegmentRequest struct {
	SegmentID int    `json:"segmentID"`
	BattMode  string `json:"battMode"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Enabled   bool   `json:"enabled"`
}

func (req updateSegmentRequest) params() (growatt.TimeSegmentParams, error) {
	mode, ok := types.BatteryModes[req.BattMode]
	if !ok {
		return growatt.TimeSegmentParams{}, fmt.Errorf("battMode must be one of load_first, battery_first, grid_first, got %q", req.BattMode)
	}
	start, err := growatt.ParseTimeOfDay(req.StartTime)
	if err != nil {
		return growatt.TimeSegmentParams{}, fmt.Errorf("invalid startTime: %w", err)
	}
	end, err := growatt.ParseTimeOfDay(req.EndTime)
	if err != nil {
		return growatt.TimeSegmentParams{}, fmt.Errorf("invalid endTime: %w", err)
	}
	p := growatt.TimeSegmentParams{
		SegmentID: req.SegmentID,
		BattMode:  mode,
		Start:     start,
		End:       end,
		Enabled:   req.Enabled,
	}
	return p, p.Validate()
}

func (s *Server) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}

	var req updateSegmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := req.params()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"updating time segment",
		slog.String("deviceID", c.ID()),
		slog.Int("segmentID", p.SegmentID),
		slog.String("email", getEmail(r)),
	)
	if err := c.UpdateTimeSegment(ctx, p); err != nil {
		writeCoordinatorError(w, r, "failed to update time segment", err)
		return
	}

	segments, err := c.TimeSegments(ctx)
	if err != nil {
		writeCoordinatorError(w, r, "failed to read time segments", err)
		return
	}
	writeJSON(w, struct {
		Segments []types.TimeSegment `json:"segments"`
	}{Segments: segments})
}

func (s *Server) handleUnloadEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entryID := r.PathValue("entryID")
	if s.entries == nil || !s.entries.Unload(ctx, entryID) {
		writeJSONError(w, "entry not found", http.StatusNotFound)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "unloaded entry", slog.String("entryID", entryID), slog.String("email", getEmail(r)))
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads a JSON request body into v, writing the error response
// itself when that fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeCoordinatorError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	var rl *throttle.RateLimitedError
	switch {
	case errors.Is(err, coordinator.ErrUnsupported):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.RetryAfter.Seconds()+0.5)))
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg, http.StatusBadGateway)
	}
}
