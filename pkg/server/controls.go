package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
)

type acPeriodRequest struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Enabled   bool   `json:"enabled"`
}

func parseACPeriods(reqs []acPeriodRequest) ([growatt.ACPeriodCount]growatt.ACPeriod, error) {
	var out [growatt.ACPeriodCount]growatt.ACPeriod
	if len(reqs) != growatt.ACPeriodCount {
		return out, fmt.Errorf("periods must contain exactly %d entries, got %d", growatt.ACPeriodCount, len(reqs))
	}
	for i, p := range reqs {
		start, err := growatt.ParseTimeOfDay(p.StartTime)
		if err != nil {
			return out, fmt.Errorf("invalid startTime of period %d: %w", i+1, err)
		}
		end, err := growatt.ParseTimeOfDay(p.EndTime)
		if err != nil {
			return out, fmt.Errorf("invalid endTime of period %d: %w", i+1, err)
		}
		out[i] = growatt.ACPeriod{Start: start, End: end, Enabled: p.Enabled}
	}
	return out, nil
}

type acChargeRequest struct {
	ChargePower   *int              `json:"chargePower"`
	ChargeStopSOC *int              `json:"chargeStopSOC"`
	MainsEnabled  bool              `json:"mainsEnabled"`
	Periods       []acPeriodRequest `json:"periods"`
}

func (req acChargeRequest) params() (growatt.ACChargeParams, error) {
	if req.ChargePower == nil || req.ChargeStopSOC == nil {
		return growatt.ACChargeParams{}, errors.New("chargePower and chargeStopSOC are required")
	}
	periods, err := parseACPeriods(req.Periods)
	if err != nil {
		return growatt.ACChargeParams{}, err
	}
	p := growatt.ACChargeParams{
		ChargePower:  *req.ChargePower,
		StopSOC:      *req.ChargeStopSOC,
		MainsEnabled: req.MainsEnabled,
		Periods:      periods,
	}
	return p, p.Validate()
}

type acDischargeRequest struct {
	DischargePower   *int              `json:"dischargePower"`
	DischargeStopSOC *int              `json:"dischargeStopSOC"`
	Periods          []acPeriodRequest `json:"periods"`
}

func (req acDischargeRequest) params() (growatt.ACDischargeParams, error) {
	if req.DischargePower == nil || req.DischargeStopSOC == nil {
		return growatt.ACDischargeParams{}, errors.New("dischargePower and dischargeStopSOC are required")
	}
	periods, err := parseACPeriods(req.Periods)
	if err != nil {
		return growatt.ACDischargeParams{}, err
	}
	p := growatt.ACDischargeParams{
		DischargePower: *req.DischargePower,
		StopSOC:        *req.DischargeStopSOC,
		Periods:        periods,
	}
	return p, p.Validate()
}

func (s *Server) handleGetACCharge(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	charge, err := c.ACChargeTimes(r.Context())
	if err != nil {
		writeCoordinatorError(w, r, "failed to read ac charge times", err)
		return
	}
	writeJSON(w, charge)
}

func (s *Server) handleUpdateACCharge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	var req acChargeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := req.params()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "updating ac charge times", slog.String("deviceID", c.ID()), slog.String("email", getEmail(r)))
	if err := c.UpdateACChargeTimes(ctx, p); err != nil {
		writeCoordinatorError(w, r, "failed to update ac charge times", err)
		return
	}
	s.handleGetACCharge(w, r)
}

func (s *Server) handleGetACDischarge(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	discharge, err := c.ACDischargeTimes(r.Context())
	if err != nil {
		writeCoordinatorError(w, r, "failed to read ac discharge times", err)
		return
	}
	writeJSON(w, discharge)
}

func (s *Server) handleUpdateACDischarge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	var req acDischargeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := req.params()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "updating ac discharge times", slog.String("deviceID", c.ID()), slog.String("email", getEmail(r)))
	if err := c.UpdateACDischargeTimes(ctx, p); err != nil {
		writeCoordinatorError(w, r, "failed to update ac discharge times", err)
		return
	}
	s.handleGetACDischarge(w, r)
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	params, err := c.MinParameters(r.Context())
	if err != nil {
		writeCoordinatorError(w, r, "failed to read parameters", err)
		return
	}
	writeJSON(w, params)
}

func (s *Server) handleUpdateParameter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := s.getCoordinator(w, r)
	if !ok {
		return
	}
	param := growatt.MinParameter(r.PathValue("name"))
	if !slices.Contains(growatt.MinParameters, param) {
		writeJSONError(w, fmt.Sprintf("unknown parameter %q", param), http.StatusNotFound)
		return
	}
	var req struct {
		Value *int `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeJSONError(w, "value is required", http.StatusBadRequest)
		return
	}
	if err := param.Validate(*req.Value); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"updating parameter",
		slog.String("deviceID", c.ID()),
		slog.String("parameter", string(param)),
		slog.Int("value", *req.Value),
		slog.String("email", getEmail(r)),
	)
	if err := c.UpdateMinParameter(ctx, param, *req.Value); err != nil {
		writeCoordinatorError(w, r, "failed to update parameter", err)
		return
	}
	s.handleGetParameters(w, r)
}

