package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/analysis"
	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/myaudio"
	"github.com/tphakala/birdnet-census/internal/recording"
	"github.com/tphakala/birdnet-census/internal/storage"
	"github.com/tphakala/birdnet-census/internal/testutil"
)

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	e        *echo.Echo
	ctrl     *Controller
	devices  repository.DeviceRepository
	settings *conf.Settings
	wav      []byte
}

type envOption func(*conf.Settings, *Dependencies, *[]Option)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	store := testutil.NewTestStore(t)
	db := store.DB()
	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = files.Close() })

	settings := &conf.Settings{Version: "test"}
	settings.Storage = conf.StorageSettings{
		MaxFileSize:         10 << 20,
		AllowedExtensions:   []string{"wav", "mp3", "flac"},
		AutoRegisterDevices: true,
	}
	settings.Pipeline = conf.PipelineSettings{
		SampleRate:   48000,
		Channels:     1,
		WindowLength: 3.0,
		Threshold:    0.5,
		MaxResults:   5,
	}
	settings.Devices.OnlineWindow = 15 * time.Minute

	cls, err := classifier.NewStatic([]conf.StaticRule{
		{Species: "Corvus splendens", CommonName: "House Crow", Confidence: 0.9},
		{Species: "Passer domesticus", CommonName: "House Sparrow", Confidence: 0.6},
	})
	require.NoError(t, err)

	recs := repository.NewRecordingRepository(db)
	analyses := repository.NewAnalysisRepository(db)
	devices := repository.NewDeviceRepository(db)
	deps := Dependencies{
		DB:         store,
		Analyses:   analyses,
		Reports:    repository.NewReportRepository(db),
		Devices:    devices,
		Species:    repository.NewSpeciesRepository(db),
		Classifier: cls,
		Files:      files,
	}
	var ctrlOpts []Option
	for _, o := range opts {
		o(settings, &deps, &ctrlOpts)
	}
	deps.Recordings = recording.NewService(recs, devices, files, &settings.Storage)
	if deps.Analyzer == nil {
		deps.Analyzer = analysis.NewPipeline(db, recs, analyses, files, deps.Classifier, &settings.Pipeline, time.Second)
	}
	ctrlOpts = append(ctrlOpts, WithClock(func() time.Time { return testNow }))

	e := echo.New()
	ctrl := New(e, deps, settings, ctrlOpts...)
	t.Cleanup(ctrl.Shutdown)

	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, myaudio.WriteWAVFile(path, myaudio.Sine(1000, 6, 48000, 0.3), 48000, 1))
	wav, err := os.ReadFile(path)
	require.NoError(t, err)

	return &testEnv{e: e, ctrl: ctrl, devices: devices, settings: settings, wav: wav}
}

func (env *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, target, bytes.NewReader(raw))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, http.NoBody)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) upload(t *testing.T, device string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", device+"_20240501_060000.wav")
	require.NoError(t, err)
	_, err = fw.Write(env.wav)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("device_id", device))
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v2/recordings", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	req.Header.Set("X-Device-ID", device)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) uploadOK(t *testing.T, device string, lat, lon float64) UploadResponse {
	t.Helper()
	rec := env.upload(t, device, map[string]string{
		"latitude":    fmt.Sprint(lat),
		"longitude":   fmt.Sprint(lon),
		"recorded_at": "2024-05-01T06:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[UploadResponse](t, rec)
}

func TestUploadAnalyzeAndQuery(t *testing.T) {
	env := newTestEnv(t)
	up := env.uploadOK(t, "pi-01", 34.5, 74.5)
	assert.Equal(t, entities.StatusUploaded, up.Status)
	assert.Equal(t, "wav", up.FileType)

	rec := env.do(t, http.MethodPost, "/api/v2/recordings/"+up.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ResultResponse](t, rec)
	assert.Equal(t, entities.StatusProcessed, res.Status)
	assert.Equal(t, 2, res.Windows)
	assert.Equal(t, 4, res.Detections)

	rec = env.do(t, http.MethodGet, "/api/v2/recordings/"+up.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[entities.Recording](t, rec)
	assert.Equal(t, entities.StatusProcessed, got.Status)
	assert.Len(t, got.Analyses, 4)

	rec = env.do(t, http.MethodGet, "/api/v2/analyses?species=crow&min_confidence=0.8", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[struct {
		Data  []entities.Analysis `json:"data"`
		Total int64               `json:"total"`
	}](t, rec)
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Data, 2)
	require.NotNil(t, page.Data[0].Recording)
	assert.Equal(t, up.ID, page.Data[0].Recording.ID)

	rec = env.do(t, http.MethodGet, "/api/v2/analyses/"+page.Data[0].ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/species", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[struct {
		Data []repository.SpeciesSummary `json:"data"`
	}](t, rec)
	require.Len(t, report.Data, 2)
	assert.Equal(t, "Corvus splendens", report.Data[0].Species)
	assert.EqualValues(t, 2, report.Data[0].Count)

	rec = env.do(t, http.MethodGet, "/api/v2/recordings/"+up.ID+"/audio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, env.wav, rec.Body.Bytes())
}

func TestAnalyzeConflicts(t *testing.T) {
	env := newTestEnv(t)
	up := env.uploadOK(t, "pi-01", 34.5, 74.5)

	rec := env.do(t, http.MethodPatch, "/api/v2/recordings/"+up.ID+"/status", StatusUpdateRequest{Status: "processing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v2/recordings/"+up.ID+"/analyze", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindAlreadyProcessing, decode[ErrorResponse](t, rec).Kind)

	rec = env.do(t, http.MethodPatch, "/api/v2/recordings/"+up.ID+"/status", StatusUpdateRequest{Status: "uploaded"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindInvalidTransition, decode[ErrorResponse](t, rec).Kind)

	rec = env.do(t, http.MethodPatch, "/api/v2/recordings/"+up.ID+"/status", StatusUpdateRequest{Status: "failed", Error: "operator abort"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v2/recordings/"+up.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	retried := decode[entities.Recording](t, rec)
	assert.Equal(t, entities.StatusUploaded, retried.Status)
	assert.Nil(t, retried.AnalysisError)

	rec = env.do(t, http.MethodPost, "/api/v2/recordings/"+up.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v2/recordings/"+up.ID+"/analyze", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, KindInvalidState, decode[ErrorResponse](t, rec).Kind)

	rec = env.do(t, http.MethodPatch, "/api/v2/recordings/"+up.ID+"/status", StatusUpdateRequest{Status: "archived"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, func(s *conf.Settings, _ *Dependencies, _ *[]Option) {
		s.Storage.MaxFileSize = 64 << 10
	})

	rec := env.upload(t, "pi-01", nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.Equal(t, KindValidation, decode[ErrorResponse](t, rec).Kind)

	env.wav = env.wav[:1024]
	rec = env.upload(t, "pi-01", map[string]string{"latitude": "34.5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, "pi-01", map[string]string{"latitude": "91", "longitude": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, "pi-01", map[string]string{"duration": "-3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.upload(t, "pi-01", map[string]string{"metadata": "[1,2]"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/recordings", strings.NewReader(url.Values{"device_id": {"pi-01"}}.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	resp := httptest.NewRecorder()
	env.e.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestNotFoundAndDelete(t *testing.T) {
	env := newTestEnv(t)
	for _, target := range []string{
		"/api/v2/recordings/missing",
		"/api/v2/recordings/missing/audio",
		"/api/v2/recordings/missing/analyses",
		"/api/v2/analyses/missing",
		"/api/v2/devices/ghost",
	} {
		rec := env.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, KindNotFound, decode[ErrorResponse](t, rec).Kind, target)
	}
	rec := env.do(t, http.MethodPost, "/api/v2/recordings/missing/analyze", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	up := env.uploadOK(t, "pi-01", 34.5, 74.5)
	rec = env.do(t, http.MethodDelete, "/api/v2/recordings/"+up.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v2/recordings/"+up.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecordingsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.uploadOK(t, "pi-01", 34.5, 74.5)
	env.uploadOK(t, "pi-01", 34.6, 74.6)
	env.uploadOK(t, "pi-02", 10, 10)

	type listPage struct {
		Data        []entities.Recording `json:"data"`
		Total       int64                `json:"total"`
		Limit       int                  `json:"limit"`
		CurrentPage int                  `json:"current_page"`
		TotalPages  int                  `json:"total_pages"`
	}

	rec := env.do(t, http.MethodGet, "/api/v2/recordings?limit=2&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[listPage](t, rec)
	assert.EqualValues(t, 3, p.Total)
	assert.Len(t, p.Data, 1)
	assert.Equal(t, 2, p.CurrentPage)
	assert.Equal(t, 2, p.TotalPages)

	rec = env.do(t, http.MethodGet, "/api/v2/recordings?device_id=PI-02", nil)
	p = decode[listPage](t, rec)
	assert.EqualValues(t, 1, p.Total)

	rec = env.do(t, http.MethodGet, "/api/v2/recordings?min_lat=34&min_lon=74&max_lat=35&max_lon=75", nil)
	p = decode[listPage](t, rec)
	assert.EqualValues(t, 2, p.Total)

	rec = env.do(t, http.MethodGet, "/api/v2/recordings?start=2024-05-01&end=2024-05-01", nil)
	p = decode[listPage](t, rec)
	assert.EqualValues(t, 3, p.Total)

	rec = env.do(t, http.MethodGet, "/api/v2/recordings?status=processed", nil)
	p = decode[listPage](t, rec)
	assert.Zero(t, p.Total)
	assert.NotNil(t, p.Data)

	for _, q := range []string{
		"min_lat=34",
		"min_lat=36&min_lon=74&max_lat=35&max_lon=75",
		"start=yesterday",
		"start=2024-05-02&end=2024-05-01",
		"limit=-1",
		"status=archived",
	} {
		rec = env.do(t, http.MethodGet, "/api/v2/recordings?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestUploadRateLimit(t *testing.T) {
	env := newTestEnv(t, func(_ *conf.Settings, _ *Dependencies, opts *[]Option) {
		*opts = append(*opts, WithLimiter(NewDeviceLimiter(0.001, 1, time.Minute)))
	})
	env.uploadOK(t, "pi-01", 34.5, 74.5)

	rec := env.upload(t, "pi-01", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, KindRateLimited, decode[ErrorResponse](t, rec).Kind)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Buckets are per device.
	env.uploadOK(t, "pi-02", 34.5, 74.5)
}

type notReady struct{ classifier.Classifier }

func (notReady) Ready() bool { return false }

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v2/health", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	h := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "connected", h.DatabaseStatus)
	assert.Equal(t, ClassifierInfo{Name: "static", Ready: true}, h.Classifier)
	assert.Equal(t, "test", h.Version)
	require.NotNil(t, h.System.Disk)

	env = newTestEnv(t, func(_ *conf.Settings, d *Dependencies, _ *[]Option) {
		d.Classifier = notReady{d.Classifier}
	})
	rec = env.do(t, http.MethodGet, "/api/v2/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, rec).Status)
}

func TestDeviceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v2/devices", DeviceRequest{DeviceID: "Pi-07", Name: testutil.Ptr("Lakeside")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dev := decode[DeviceResponse](t, rec)
	assert.Equal(t, "pi-07", dev.DeviceID)
	assert.True(t, dev.Active)

	rec = env.do(t, http.MethodPost, "/api/v2/devices", DeviceRequest{DeviceID: "pi-07"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Lakeside", decode[DeviceResponse](t, rec).Name)

	rec = env.do(t, http.MethodPost, "/api/v2/devices", DeviceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v2/devices/pi-07/checkin", CheckInRequest{
		Latitude:       testutil.Ptr(60.1),
		Longitude:      testutil.Ptr(24.9),
		DiskSpaceTotal: testutil.Ptr(int64(32 << 30)),
		DiskSpaceUsed:  testutil.Ptr(int64(4 << 30)),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dev = decode[DeviceResponse](t, rec)
	assert.True(t, dev.Online)
	require.NotNil(t, dev.Latitude)
	assert.InDelta(t, 60.1, *dev.Latitude, 1e-9)

	rec = env.do(t, http.MethodPost, "/api/v2/devices/ghost/checkin", CheckInRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v2/devices/pi-07/checkin", CheckInRequest{Latitude: testutil.Ptr(1.0)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v2/devices/pi-07", DeviceRequest{LocationName: testutil.Ptr("North shore")})
	require.Equal(t, http.StatusOK, rec.Code)
	dev = decode[DeviceResponse](t, rec)
	require.NotNil(t, dev.LocationName)
	assert.Equal(t, "North shore", *dev.LocationName)

	env.uploadOK(t, "pi-08", 1, 1)
	rec = env.do(t, http.MethodDelete, "/api/v2/devices/pi-07", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[DeviceResponse](t, rec).Online)

	rec = env.do(t, http.MethodGet, "/api/v2/devices?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Data  []DeviceResponse `json:"data"`
		Total int64            `json:"total"`
	}](t, rec)
	require.EqualValues(t, 1, list.Total)
	assert.Equal(t, "pi-08", list.Data[0].DeviceID)
	require.NotNil(t, list.Data[0].RecordingCount)
	assert.EqualValues(t, 1, *list.Data[0].RecordingCount)

	rec = env.do(t, http.MethodGet, "/api/v2/devices?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v2/devices/pi-08/activity?days=3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	act := decode[ActivityResponse](t, rec)
	assert.Equal(t, 3, act.Days)
	assert.Len(t, act.Activity, 3)
}

func TestReportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	for _, d := range []struct {
		id       string
		lat, lon float64
	}{{"pi-01", 34.51, 74.51}, {"pi-02", 34.52, 74.55}, {"pi-03", -10.2, 20.3}} {
		up := env.uploadOK(t, d.id, d.lat, d.lon)
		rec := env.do(t, http.MethodPost, "/api/v2/recordings/"+up.ID+"/analyze", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	type report[T any] struct {
		Data    []T            `json:"data"`
		Filters map[string]any `json:"filters"`
	}

	rec := env.do(t, http.MethodGet, "/api/v2/reports/timeline?bucket=day&species=Corvus", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tl := decode[report[repository.TimeBucketCount]](t, rec)
	require.Len(t, tl.Data, 1)
	assert.Equal(t, "2024-05-01", tl.Data[0].Bucket)
	assert.EqualValues(t, 6, tl.Data[0].Count)
	assert.Equal(t, "day", tl.Filters["bucket"])

	rec = env.do(t, http.MethodGet, "/api/v2/reports/timeline?bucket=fortnight", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/devices?min_confidence=0.8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[report[repository.DeviceSpeciesCount]](t, rec).Data, 3)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/areas?cell_size=1&species=Corvus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	areas := decode[report[repository.AreaCount]](t, rec).Data
	require.Len(t, areas, 2)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/areas?cell_size=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/confidence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var total int64
	for _, b := range decode[report[repository.ConfidenceBin]](t, rec).Data {
		total += b.Count
	}
	assert.EqualValues(t, 12, total)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/species?min_confidence=2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v2/reports/species?species=Nonexistent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(mustField(t, rec.Body.Bytes(), "data")))
}

func mustField(t *testing.T, body []byte, name string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return m[name]
}

func TestAnalyzeFailedRunIsOK(t *testing.T) {
	env := newTestEnv(t, func(_ *conf.Settings, d *Dependencies, _ *[]Option) {
		d.Analyzer = analysis.AnalyzerFunc(func(context.Context, string) (*analysis.Result, error) {
			return &analysis.Result{RecordingID: "x", Status: entities.StatusFailed, Error: "decode audio: bad header"}, nil
		})
	})
	rec := env.do(t, http.MethodPost, "/api/v2/recordings/x/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[ResultResponse](t, rec)
	assert.Equal(t, entities.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "bad header")
}
