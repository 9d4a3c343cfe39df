package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"threatwatch-service/internal/config"
	"threatwatch-service/internal/domain/threat"
)

// ErrUnavailable covers every way a detector call can fail: transport error,
// timeout, non-2xx status or an unparseable body.
var ErrUnavailable = errors.New("detector unavailable")

const maxResponseBytes = 8 << 20

type Client struct {
	baseURL       string
	healthPath    string
	timeout       time.Duration
	healthTimeout time.Duration
	http          *http.Client
	log           zerolog.Logger
}

func NewClient(cfg config.DetectorConfig, log zerolog.Logger) *Client {
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		healthPath:    healthPath,
		timeout:       cfg.Timeout,
		healthTimeout: cfg.HealthTimeout,
		http:          &http.Client{},
		log:           log,
	}
}

type detectRequest struct {
	Frame string `json:"frame"`
}

type wireObject struct {
	Class      string          `json:"class"`
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	BBox       json.RawMessage `json:"bbox"`
}

type wireAlert struct {
	Type       string  `json:"type"`
	Class      string  `json:"class"`
	Message    string  `json:"message"`
	Confidence float64 `json:"confidence"`
}

type detectResponse struct {
	Detections []wireObject    `json:"detections"`
	Alerts     json.RawMessage `json:"alerts"`
	Stats      map[string]any  `json:"stats"`
}

type HealthStatus struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"-"`
}

// Detect sends one frame to the detector. It never retries.
func (c *Client) Detect(ctx context.Context, frame []byte, cameraID string, capturedAt time.Time) (*threat.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(detectRequest{Frame: base64.StdEncoding.EncodeToString(frame)})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect-frame", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed detectResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}

	det := &threat.Detection{
		CameraID:   cameraID,
		CapturedAt: capturedAt,
		Objects:    make([]threat.DetectedObject, 0, len(parsed.Detections)),
		Stats:      parsed.Stats,
		Raw:        json.RawMessage(raw),
	}
	for _, o := range parsed.Detections {
		class := o.Class
		if class == "" {
			class = o.Label
		}
		box, err := parseBox(o.BBox)
		if err != nil {
			return nil, fmt.Errorf("%w: decode bbox: %w", ErrUnavailable, err)
		}
		det.Objects = append(det.Objects, threat.DetectedObject{
			Class:      class,
			Confidence: o.Confidence,
			Box:        box,
		})
	}
	det.Alerts, err = parseAlerts(parsed.Alerts)
	if err != nil {
		return nil, fmt.Errorf("%w: decode alerts: %w", ErrUnavailable, err)
	}

	c.log.Debug().
		Str("camera_id", cameraID).
		Int("objects", len(det.Objects)).
		Int("detector_alerts", len(det.Alerts)).
		Dur("latency", time.Since(start)).
		Msg("detector call completed")

	return det, nil
}

// Health probes the detector with the short health timeout.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnavailable, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var status HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: decode health: %w", ErrUnavailable, err)
	}
	status.Latency = time.Since(start)
	return &status, nil
}

// parseBox accepts either [x1, y1, x2, y2] or {"x1":..,"y1":..,"x2":..,"y2":..}.
func parseBox(raw json.RawMessage) (threat.BoundingBox, error) {
	var box threat.BoundingBox
	if len(raw) == 0 || string(raw) == "null" {
		return box, nil
	}
	if raw[0] == '[' {
		var coords []float64
		if err := json.Unmarshal(raw, &coords); err != nil {
			return box, err
		}
		if len(coords) != 4 {
			return box, fmt.Errorf("expected 4 coordinates, got %d", len(coords))
		}
		return threat.BoundingBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}, nil
	}
	err := json.Unmarshal(raw, &box)
	return box, err
}

// parseAlerts accepts a list of alert objects or a list of plain strings.
func parseAlerts(raw json.RawMessage) ([]threat.DetectorAlert, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var objects []wireAlert
	if err := json.Unmarshal(raw, &objects); err == nil {
		alerts := make([]threat.DetectorAlert, 0, len(objects))
		for _, a := range objects {
			alerts = append(alerts, threat.DetectorAlert(a))
		}
		return alerts, nil
	}

	var messages []string
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, err
	}
	alerts := make([]threat.DetectorAlert, 0, len(messages))
	for _, m := range messages {
		alerts = append(alerts, threat.DetectorAlert{Type: "detector", Message: m})
	}
	return alerts, nil
}
