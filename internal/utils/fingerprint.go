package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"threatwatch-service/internal/domain/threat"
)

// DetectionFingerprint derives the idempotency key for a detection from the
// camera, the capture time truncated to bucket, and a hash of the detected
// objects and detector alerts. Detector stats are excluded since they carry
// per-call timings.
func DetectionFingerprint(cameraID string, det threat.Detection, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Second
	}
	slot := det.CapturedAt.UTC().Truncate(bucket).UnixNano()

	body, _ := json.Marshal(struct {
		Objects []threat.DetectedObject `json:"objects"`
		Alerts  []threat.DetectorAlert  `json:"alerts"`
	}{det.Objects, det.Alerts})
	payloadHash := sha256.Sum256(body)

	h := sha256.New()
	h.Write([]byte("det|"))
	h.Write([]byte(strings.TrimSpace(cameraID)))
	h.Write([]byte("|"))
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	h.Write([]byte("|"))
	h.Write(payloadHash[:])
	return hex.EncodeToString(h.Sum(nil))
}

// TokenFingerprint scopes a caller-supplied idempotency token to a camera.
func TokenFingerprint(cameraID, token string) string {
	sum := sha256.Sum256([]byte("tok|" + strings.TrimSpace(cameraID) + "|" + strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}
