package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/httpclient"
	"github.com/tphakala/birdnet-census/internal/logger"
)

const apiPrefix = "/api/v2"

// HTTPConfig configures uploads to the backend REST API.
type HTTPConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	DeviceID string // sent as X-Device-ID so the backend can rate limit per device

	// Transport replaces the default transport; tests install httpmock here.
	Transport http.RoundTripper
}

func HTTPConfigFromSettings(s *conf.EdgeSettings) *HTTPConfig {
	return &HTTPConfig{
		BaseURL:  s.HTTP.URL,
		APIKey:   s.HTTP.APIKey,
		Timeout:  s.HTTP.Timeout,
		DeviceID: s.DeviceID,
	}
}

// HTTPUploader posts recordings to POST /api/v2/recordings and sends
// device check-ins.
type HTTPUploader struct {
	base     string
	deviceID string
	client   *httpclient.Client
	log      logger.Logger
}

func NewHTTPUploader(cfg *HTTPConfig) (*HTTPUploader, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, edgeError(fmt.Errorf("invalid backend url %q", cfg.BaseURL), errors.CategoryConfiguration, "new_http_uploader")
	}
	return &HTTPUploader{
		base:     u.String(),
		deviceID: cfg.DeviceID,
		client: httpclient.New(&httpclient.Config{
			DefaultTimeout: cfg.Timeout,
			UserAgent:      "BirdNET-Census-Edge",
			APIKey:         cfg.APIKey,
			Transport:      cfg.Transport,
		}),
		log: moduleLogger("http"),
	}, nil
}

func (u *HTTPUploader) Name() string { return conf.EdgeMethodHTTP }

// UploadResult is the backend answer to an accepted upload.
type UploadResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Upload streams f as multipart form data without buffering the file.
func (u *HTTPUploader) Upload(ctx context.Context, f *PendingFile) error {
	_, err := u.upload(ctx, f)
	return err
}

func (u *HTTPUploader) upload(ctx context.Context, f *PendingFile) (*UploadResult, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, edgeError(err, errors.CategoryFileIO, "open_recording")
	}
	defer func() { _ = file.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, f, file))
	}()
	defer func() { _ = pr.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base+apiPrefix+"/recordings", pr)
	if err != nil {
		return nil, edgeError(err, errors.CategoryUpload, "build_request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if id := u.device(f); id != "" {
		req.Header.Set("X-Device-ID", id)
	}

	resp, err := u.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var out UploadResult
	if err := httpclient.DecodeJSON(resp, &out); err != nil {
		return nil, errors.New(err).
			Component("edge").
			Category(errors.CategoryUpload).
			Context("file", f.Name).
			Build()
	}
	u.log.Debug("recording accepted",
		logger.String("file", f.Name),
		logger.String("recording_id", out.ID))
	return &out, nil
}

func (u *HTTPUploader) device(f *PendingFile) string {
	if u.deviceID != "" {
		return u.deviceID
	}
	return f.DeviceID
}

func writeUploadForm(mw *multipart.Writer, f *PendingFile, src io.Reader) error {
	fields := [][2]string{
		{"device_id", f.DeviceID},
		{"recorded_at", f.RecordedAt.UTC().Format(time.RFC3339)},
	}
	if sc := f.Sidecar; sc != nil {
		if sc.Latitude != nil && sc.Longitude != nil {
			fields = append(fields,
				[2]string{"latitude", strconv.FormatFloat(*sc.Latitude, 'f', -1, 64)},
				[2]string{"longitude", strconv.FormatFloat(*sc.Longitude, 'f', -1, 64)})
		}
		if sc.LocationName != nil {
			fields = append(fields, [2]string{"location_name", *sc.LocationName})
		}
		if sc.Duration != nil {
			fields = append(fields, [2]string{"duration", strconv.FormatFloat(*sc.Duration, 'f', -1, 64)})
		}
		if len(sc.Metadata) > 0 {
			data, err := json.Marshal(sc.Metadata)
			if err != nil {
				return err
			}
			fields = append(fields, [2]string{"metadata", string(data)})
		}
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

// CheckIn is the heartbeat body of POST /devices/:id/checkin.
type CheckIn struct {
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	FirmwareVersion *string  `json:"firmware_version,omitempty"`
	DiskSpaceTotal  *int64   `json:"disk_space_total,omitempty"`
	DiskSpaceUsed   *int64   `json:"disk_space_used,omitempty"`
}

// CheckIn reports the device heartbeat, registering the device first when
// the backend does not know it yet.
func (u *HTTPUploader) CheckIn(ctx context.Context, deviceID string, in *CheckIn) error {
	target := u.base + apiPrefix + "/devices/" + url.PathEscape(deviceID) + "/checkin"
	err := u.client.PostJSON(ctx, target, in, nil)
	if statusCode(err) != http.StatusNotFound {
		return err
	}

	u.log.Info("device unknown to backend, registering", logger.String("device_id", deviceID))
	reg := map[string]any{"device_id": deviceID, "firmware_version": in.FirmwareVersion}
	if in.Latitude != nil && in.Longitude != nil {
		reg["latitude"], reg["longitude"] = in.Latitude, in.Longitude
	}
	if err := u.client.PostJSON(ctx, u.base+apiPrefix+"/devices", reg, nil); err != nil {
		return err
	}
	return u.client.PostJSON(ctx, target, in, nil)
}

func statusCode(err error) int {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func (u *HTTPUploader) Close() error {
	u.client.Close()
	return nil
}
