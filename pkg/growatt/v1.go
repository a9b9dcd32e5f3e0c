package growatt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johanzander/growatt-server-upstream/pkg/common"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

// V1DeviceTypes maps the OpenAPI device type ids we support to device types.
var V1DeviceTypes = map[int]string{
	5: "sph",
	7: "min",
}

// V1 is a client for the token authenticated OpenAPI. There is no login; the
// token is sent with every request.
type V1 struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewV1 returns a client for the OpenAPI under serverURL.
func NewV1(serverURL, token string) *V1 {
	return &V1{
		client:  common.HTTPClient(time.Minute),
		baseURL: strings.TrimSuffix(serverURL, "/") + "/v1/",
		token:   token,
	}
}

type v1Response struct {
	ErrorCode *int            `json:"error_code"`
	ErrorMsg  string          `json:"error_msg"`
	Data      json.RawMessage `json:"data"`
}

type v1Plant struct {
	PlantID flexString `json:"plant_id"`
	Name    string     `json:"name"`
}

// PlantList returns every plant the token can see.
func (v *V1) PlantList(ctx context.Context) ([]types.Plant, error) {
	req, err := v.newGetRequest(ctx, "plant/list", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Plants []v1Plant `json:"plants"`
	}
	if err := v.doRequest(req, "getting plant list", &res); err != nil {
		return nil, err
	}
	plants := make([]types.Plant, 0, len(res.Plants))
	for _, p := range res.Plants {
		plants = append(plants, types.Plant{ID: string(p.PlantID), Name: p.Name})
	}
	return plants, nil
}

// PlantEnergyOverview returns today's and lifetime energy for plantID.
func (v *V1) PlantEnergyOverview(ctx context.Context, plantID string) (types.DeviceData, error) {
	params := url.Values{}
	params.Set("plant_id", plantID)
	req, err := v.newGetRequest(ctx, "plant/data", params)
	if err != nil {
		return nil, err
	}
	res := types.DeviceData{}
	if err := v.doRequest(req, "getting plant energy overview", &res); err != nil {
		return nil, err
	}
	return res, nil
}

// DeviceList returns the supported devices of plantID. Devices of other
// types are skipped with a warning.
func (v *V1) DeviceList(ctx context.Context, plantID string) ([]types.Device, error) {
	params := url.Values{}
	params.Set("plant_id", plantID)
	req, err := v.newGetRequest(ctx, "device/list", params)
	if err != nil {
		return nil, err
	}
	var res struct {
		Devices []struct {
			DeviceSN string `json:"device_sn"`
			Type     int    `json:"type"`
		} `json:"devices"`
	}
	if err := v.doRequest(req, "getting device list", &res); err != nil {
		return nil, err
	}

	var devices []types.Device
	for _, d := range res.Devices {
		deviceType, ok := V1DeviceTypes[d.Type]
		if !ok {
			log.Ctx(ctx).WarnContext(
				ctx,
				"device type not supported by the V1 API, skipping",
				slog.String("deviceSN", d.DeviceSN),
				slog.Int("type", d.Type),
			)
			continue
		}
		devices = append(devices, types.Device{SerialNumber: d.DeviceSN, Type: deviceType})
	}
	return devices, nil
}

// MinDetail merges the info, settings and last data of a MIN/TLX inverter.
func (v *V1) MinDetail(ctx context.Context, deviceSN string) (types.DeviceData, error) {
	return v.deviceDetail(ctx, "tlx", deviceSN, "device/tlx/tlx_data_info", "device/tlx/tlx_set_info", "device/tlx/tlx_last_data")
}

// SphDetail merges the info and last data of a MIX/SPH inverter.
func (v *V1) SphDetail(ctx context.Context, deviceSN string) (types.DeviceData, error) {
	return v.deviceDetail(ctx, "mix", deviceSN, "device/mix/mix_data_info", "", "device/mix/mix_last_data")
}

func (v *V1) deviceDetail(ctx context.Context, prefix, deviceSN, infoPath, settingsPath, lastPath string) (types.DeviceData, error) {
	out := types.DeviceData{}
	for _, p := range []string{infoPath, settingsPath} {
		if p == "" {
			continue
		}
		params := url.Values{}
		params.Set("device_sn", deviceSN)
		req, err := v.newGetRequest(ctx, p, params)
		if err != nil {
			return nil, err
		}
		res := types.DeviceData{}
		if err := v.doRequest(req, p, &res); err != nil {
			return nil, err
		}
		for k, val := range res {
			out[k] = val
		}
	}

	form := url.Values{}
	form.Set(prefix+"_sn", deviceSN)
	req, err := v.newPostFormRequest(ctx, lastPath, form)
	if err != nil {
		return nil, err
	}
	res := types.DeviceData{}
	if err := v.doRequest(req, lastPath, &res); err != nil {
		return nil, err
	}
	for k, val := range res {
		out[k] = val
	}
	return out, nil
}

// WriteTimeSegment programs one time-of-use segment on a MIN/TLX inverter.
func (v *V1) WriteTimeSegment(ctx context.Context, deviceSN string, p TimeSegmentParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	params := []string{
		strconv.Itoa(int(p.BattMode)),
		strconv.Itoa(p.Start.Hour),
		strconv.Itoa(p.Start.Minute),
		strconv.Itoa(p.End.Hour),
		strconv.Itoa(p.End.Minute),
		boolParam(p.Enabled),
	}
	return v.writeParams(ctx, "tlxSet", "tlx_sn", deviceSN, fmt.Sprintf("time_segment%d", p.SegmentID), params,
		fmt.Sprintf("writing time segment %d", p.SegmentID))
}

// WriteMinParameter sets a single MIN/TLX setting such as the charge power.
func (v *V1) WriteMinParameter(ctx context.Context, deviceSN string, param MinParameter, value int) error {
	if err := param.Validate(value); err != nil {
		return err
	}
	return v.writeParams(ctx, "tlxSet", "tlx_sn", deviceSN, string(param), []string{strconv.Itoa(value)},
		fmt.Sprintf("writing parameter %s", param))
}

// WriteACChargeTimes programs the AC charge power, stop SOC and the three
// charge periods of a MIX/SPH inverter.
func (v *V1) WriteACChargeTimes(ctx context.Context, deviceSN string, p ACChargeParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	params := []string{strconv.Itoa(p.ChargePower), strconv.Itoa(p.StopSOC), boolParam(p.MainsEnabled)}
	params = append(params, periodParams(p.Periods)...)
	return v.writeParams(ctx, "mixSet", "mix_sn", deviceSN, "mix_ac_charge_time_period", params, "writing ac charge times")
}

// WriteACDischargeTimes programs the AC discharge power, stop SOC and the
// three discharge periods of a MIX/SPH inverter.
func (v *V1) WriteACDischargeTimes(ctx context.Context, deviceSN string, p ACDischargeParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	params := []string{strconv.Itoa(p.DischargePower), strconv.Itoa(p.StopSOC)}
	params = append(params, periodParams(p.Periods)...)
	return v.writeParams(ctx, "mixSet", "mix_sn", deviceSN, "mix_ac_discharge_time_period", params, "writing ac discharge times")
}

// writeParams posts a settings command. The endpoints expect all 19 params
// to be present, unused ones empty.
func (v *V1) writeParams(ctx context.Context, endpoint, snField, deviceSN, command string, params []string, operation string) error {
	if len(params) > maxWriteParams {
		return fmt.Errorf("%s: %d params, at most %d allowed", operation, len(params), maxWriteParams)
	}
	form := url.Values{}
	form.Set(snField, deviceSN)
	form.Set("type", command)
	for i := 1; i <= maxWriteParams; i++ {
		val := ""
		if i <= len(params) {
			val = params[i-1]
		}
		form.Set(fmt.Sprintf("param%d", i), val)
	}

	req, err := v.newPostFormRequest(ctx, endpoint, form)
	if err != nil {
		return err
	}
	return v.doRequest(req, operation, nil)
}

const maxWriteParams = 19

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (v *V1) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(v.baseURL + endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (v *V1) newPostFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	body := strings.NewReader(data.Encode())
	req, err := http.NewRequestWithContext(ctx, "POST", v.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (v *V1) doRequest(req *http.Request, operation string, dest interface{}) error {
	req.Header.Set("token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: status %d: %w", operation, resp.StatusCode, throttle.ErrAuthRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", operation, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var vr v1Response
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&vr); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode growatt v1 response", slog.Any("error", err), slog.String("body", truncate(body)))
		return fmt.Errorf("%s: failed to decode response: %w", operation, err)
	}

	if vr.ErrorCode == nil || *vr.ErrorCode != 0 {
		apiErr := &APIError{Operation: operation, Code: 1, Message: vr.ErrorMsg}
		if vr.ErrorCode != nil {
			apiErr.Code = *vr.ErrorCode
		}
		if apiErr.Message == "" {
			apiErr.Message = "Unknown error"
		}
		log.Ctx(req.Context()).ErrorContext(req.Context(), "growatt v1 api error", slog.String("operation", operation), slog.Int("code", apiErr.Code), slog.String("message", apiErr.Message))
		return apiErr
	}

	if dest == nil || len(vr.Data) == 0 || string(vr.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(vr.Data, dest); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode growatt v1 data", slog.Any("error", err))
		return fmt.Errorf("%s: failed to decode data: %w", operation, err)
	}
	return nil
}
