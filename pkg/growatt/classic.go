package growatt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johanzander/growatt-server-upstream/pkg/common"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

const classicLoginPath = "newTwoLoginAPI.do"

// Classic is a cookie session against the ShinePhone API. Login must succeed
// before any other call; an expired session surfaces as
// throttle.ErrAuthRejected.
type Classic struct {
	client  *http.Client
	baseURL string

	mu     sync.Mutex
	userID string
}

// NewClassic returns a client for baseURL. The user-agent carries username
// plus a random id so concurrent installs do not share a server session.
func NewClassic(baseURL, username string) *Classic {
	agent := username + " - " + uuid.NewString()
	return &Classic{
		client:  common.SessionHTTPClient(time.Minute, agent),
		baseURL: baseURL,
	}
}

// LoginResult is what a successful login returns.
type LoginResult struct {
	UserID string
	Plants []types.Plant
}

type classicPlant struct {
	PlantID   flexString `json:"plantId"`
	PlantName string     `json:"plantName"`
}

type classicLoginBack struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Error   string `json:"error"`
	User    struct {
		ID flexString `json:"id"`
	} `json:"user"`
	Data []classicPlant `json:"data"`
}

// Login authenticates username and password. Every call counts toward the
// upstream lockout, so callers go through throttle.Do.
func (c *Classic) Login(ctx context.Context, username, password string) (LoginResult, error) {
	if username == "" {
		return LoginResult{}, errors.New("missing username")
	}
	if password == "" {
		return LoginResult{}, errors.New("missing password")
	}

	data := url.Values{}
	data.Set("userName", username)
	data.Set("password", HashPassword(password))

	req, err := c.newPostFormRequest(ctx, classicLoginPath, nil, data)
	if err != nil {
		return LoginResult{}, err
	}

	var res struct {
		Back classicLoginBack `json:"back"`
	}
	if err := c.doRequest(req, &res); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "growatt login failed", slog.Any("error", err))
		return LoginResult{}, fmt.Errorf("login failed: %w", err)
	}
	if !res.Back.Success {
		msg := res.Back.Msg
		if msg == "" {
			msg = res.Back.Error
		}
		log.Ctx(ctx).DebugContext(ctx, "growatt login rejected", slog.String("msg", msg))
		if msg == LoginInvalidAuthCode {
			return LoginResult{}, fmt.Errorf("username, password or URL may be incorrect: %w", throttle.ErrAuthRejected)
		}
		if msg == "" {
			msg = "unknown error"
		}
		return LoginResult{}, fmt.Errorf("growatt login failed: %s", msg)
	}

	out := LoginResult{UserID: string(res.Back.User.ID)}
	for _, p := range res.Back.Data {
		out.Plants = append(out.Plants, types.Plant{ID: string(p.PlantID), Name: p.PlantName})
	}

	c.mu.Lock()
	c.userID = out.UserID
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "growatt login success", slog.String("username", username), slog.String("userID", out.UserID))
	return out, nil
}

// UserID returns the id of the logged-in user, or "" before Login.
func (c *Classic) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// PlantList returns the plants of userID.
func (c *Classic) PlantList(ctx context.Context, userID string) ([]types.Plant, error) {
	params := url.Values{}
	params.Set("userId", userID)

	req, err := c.newGetRequest(ctx, "PlantListAPI.do", params)
	if err != nil {
		return nil, err
	}

	var res struct {
		Back struct {
			Data []classicPlant `json:"data"`
		} `json:"back"`
	}
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("PlantListAPI failed: %w", err)
	}

	plants := make([]types.Plant, 0, len(res.Back.Data))
	for _, p := range res.Back.Data {
		plants = append(plants, types.Plant{ID: string(p.PlantID), Name: p.PlantName})
	}
	return plants, nil
}

// PlantInfo returns the plant totals (without the device list) and the
// devices attached to the plant.
func (c *Classic) PlantInfo(ctx context.Context, plantID string) (types.DeviceData, []types.Device, error) {
	params := url.Values{}
	params.Set("op", "getAllDeviceList")
	params.Set("plantId", plantID)
	params.Set("pageNum", "1")
	params.Set("pageSize", "1")

	req, err := c.newGetRequest(ctx, "newTwoPlantAPI.do", params)
	if err != nil {
		return nil, nil, err
	}

	var res types.DeviceData
	if err := c.doRequest(req, &res); err != nil {
		return nil, nil, fmt.Errorf("newTwoPlantAPI failed: %w", err)
	}

	var devices []types.Device
	if list, ok := res["deviceList"].([]any); ok {
		for _, item := range list {
			d, ok := item.(map[string]any)
			if !ok {
				continue
			}
			devices = append(devices, types.Device{
				SerialNumber: asString(d["deviceSn"]),
				Type:         asString(d["deviceType"]),
			})
		}
	}
	delete(res, "deviceList")

	return res, devices, nil
}

// DeviceList returns the devices of plantID.
func (c *Classic) DeviceList(ctx context.Context, plantID string) ([]types.Device, error) {
	_, devices, err := c.PlantInfo(ctx, plantID)
	return devices, err
}

// DeviceDetail fetches the telemetry for one device.
func (c *Classic) DeviceDetail(ctx context.Context, deviceType, deviceID, plantID string) (types.DeviceData, error) {
	switch deviceType {
	case "inverter":
		params := url.Values{}
		params.Set("op", "getInverterDetailData")
		params.Set("inverterId", deviceID)
		return c.getData(ctx, "newInverterAPI.do", params, "")
	case "tlx":
		params := url.Values{}
		params.Set("op", "getTlxDetailData")
		params.Set("id", deviceID)
		return c.getData(ctx, "newTlxApi.do", params, "data")
	case "storage":
		params := url.Values{}
		params.Set("op", "getStorageParams")
		params.Set("storageId", deviceID)
		detail, err := c.getData(ctx, "newStorageAPI.do", params, "storageDetailBean")
		if err != nil {
			return nil, err
		}
		form := url.Values{}
		form.Set("plantId", plantID)
		form.Set("storageSn", deviceID)
		overview, err := c.postData(ctx, "newStorageAPI.do", url.Values{"op": {"getEnergyOverviewData_sacolar"}}, form, "obj")
		if err != nil {
			return nil, err
		}
		return merge(detail, overview), nil
	case "mix":
		params := url.Values{}
		params.Set("op", "getMixInfo")
		params.Set("mixId", deviceID)
		params.Set("plantId", plantID)
		info, err := c.getData(ctx, "newMixApi.do", params, "obj")
		if err != nil {
			return nil, err
		}
		form := url.Values{}
		form.Set("mixId", deviceID)
		form.Set("plantId", plantID)
		status, err := c.postData(ctx, "newMixApi.do", url.Values{"op": {"getSystemStatus_KW"}}, form, "obj")
		if err != nil {
			return nil, err
		}
		return merge(info, status), nil
	default:
		return nil, fmt.Errorf("device type %q is not supported by the classic API", deviceType)
	}
}

func merge(maps ...types.DeviceData) types.DeviceData {
	out := types.DeviceData{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func (c *Classic) getData(ctx context.Context, endpoint string, params url.Values, field string) (types.DeviceData, error) {
	req, err := c.newGetRequest(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	return c.doData(req, field)
}

func (c *Classic) postData(ctx context.Context, endpoint string, params, form url.Values, field string) (types.DeviceData, error) {
	req, err := c.newPostFormRequest(ctx, endpoint, params, form)
	if err != nil {
		return nil, err
	}
	return c.doData(req, field)
}

// doData decodes the response and returns field from it, or all of it when
// field is empty.
func (c *Classic) doData(req *http.Request, field string) (types.DeviceData, error) {
	var res types.DeviceData
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("%s failed: %w", req.URL.Path, err)
	}
	if field == "" {
		return res, nil
	}
	sub, ok := res[field].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s response missing %q", req.URL.Path, field)
	}
	return sub, nil
}

func (c *Classic) endpointURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Classic) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, "GET", u.String(), nil)
}

func (c *Classic) newPostFormRequest(ctx context.Context, endpoint string, params, data url.Values) (*http.Request, error) {
	u, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	body := strings.NewReader(data.Encode())
	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *Classic) doRequest(req *http.Request, dest interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		log.Ctx(req.Context()).DebugContext(req.Context(), "growatt session rejected", slog.Int("status", resp.StatusCode))
		return fmt.Errorf("status %d: %w", resp.StatusCode, throttle.ErrAuthRejected)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if err := json.NewDecoder(bytes.NewReader(body)).Decode(dest); err != nil {
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode growatt response", slog.Any("error", err), slog.String("body", truncate(body)))
		return fmt.Errorf("failed to decode growatt response: %w", err)
	}
	return nil
}

func truncate(b []byte) string {
	const maxLen = 512
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}
