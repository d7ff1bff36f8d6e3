package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"github.com/Brownie44l1/manhole-api/internal/model"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	detections []model.Detection
	err        error
	seenPath   string
	seenExists bool
}

func (d *fakeDetector) Detect(imagePath string) ([]model.Detection, error) {
	d.seenPath = imagePath
	_, err := os.Stat(imagePath)
	d.seenExists = err == nil
	return d.detections, d.err
}

func (d *fakeDetector) Classes() []string {
	return []string{"good", "broken"}
}

type fakeGeocoder struct {
	address  string
	calls    int
	lat, lon string
}

func (g *fakeGeocoder) Reverse(ctx context.Context, latitude, longitude string) string {
	g.calls++
	g.lat = latitude
	g.lon = longitude
	return g.address
}

type testEnv struct {
	detector  *fakeDetector
	geocoder  *fakeGeocoder
	uploadDir string
	router    http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	e := &testEnv{
		detector: &fakeDetector{
			detections: []model.Detection{
				{Label: "good", Confidence: 0.4},
				{Label: "broken", Confidence: 0.91234},
			},
		},
		geocoder:  &fakeGeocoder{address: "1 Long Street, Cape Town"},
		uploadDir: t.TempDir(),
	}
	h := NewHandler(logs.NewTestingLog(t), e.detector, e.geocoder, e.uploadDir, 0)
	e.router = h.Router()
	return e
}

// uploadRequest builds a multipart POST /predict. An empty filename omits the image part.
func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if filename != "" {
		part, err := mw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest("POST", "/predict", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	out := map[string]any{}
	json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func requireUploadDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestHome(t *testing.T) {
	e := newTestEnv(t)
	rec, out := e.do(httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Model API is running", out["message"])
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec, out := e.do(httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", out["status"])
	require.Equal(t, []any{"good", "broken"}, out["classes"])
}

func TestPreflight(t *testing.T) {
	e := newTestEnv(t)
	rec, _ := e.do(httptest.NewRequest("OPTIONS", "/predict", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestPredict(t *testing.T) {
	e := newTestEnv(t)
	rec, out := e.do(uploadRequest(t, "../Manhole Photo.JPG", []byte("jpeg bytes"), map[string]string{
		"latitude":  "-33.92",
		"longitude": "18.42",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["success"])
	require.Equal(t, "broken", out["condition"])
	require.InDelta(t, 0.912, out["confidence"], 1e-6)
	require.Equal(t, "1 Long Street, Cape Town", out["address"])
	require.Equal(t, "-33.92", e.geocoder.lat)
	require.Equal(t, "18.42", e.geocoder.lon)

	// The detector saw the upload on disk, inside the upload dir, under a sanitized unique name
	require.True(t, e.detector.seenExists)
	require.True(t, strings.HasPrefix(e.detector.seenPath, e.uploadDir))
	require.True(t, strings.HasSuffix(e.detector.seenPath, "_Manhole_Photo.JPG"))

	// ...and it was deleted before the response came back
	_, err := os.Stat(e.detector.seenPath)
	require.True(t, errors.Is(err, os.ErrNotExist))
	requireUploadDirEmpty(t, e.uploadDir)
}

func TestPredictWithoutCoordinates(t *testing.T) {
	e := newTestEnv(t)
	for _, fields := range []map[string]string{
		nil,
		{"latitude": "1.5"},
		{"longitude": "1.5"},
		{"latitude": "", "longitude": ""},
	} {
		rec, out := e.do(uploadRequest(t, "a.png", []byte("png"), fields))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "Unknown", out["address"])
	}
	require.Equal(t, 0, e.geocoder.calls)
}

func TestPredictGeocoderFallback(t *testing.T) {
	e := newTestEnv(t)
	e.geocoder.address = "Unknown Location"
	_, out := e.do(uploadRequest(t, "a.jpeg", []byte("x"), map[string]string{"latitude": "1", "longitude": "2"}))
	require.Equal(t, "Unknown Location", out["address"])

	// A geocoder that produces nothing is reported as Unknown
	e.geocoder.address = ""
	_, out = e.do(uploadRequest(t, "a.jpeg", []byte("x"), map[string]string{"latitude": "1", "longitude": "2"}))
	require.Equal(t, "Unknown", out["address"])
}

func TestPredictNoDetections(t *testing.T) {
	e := newTestEnv(t)
	e.detector.detections = nil
	rec, out := e.do(uploadRequest(t, "a.png", []byte("png"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Unknown", out["condition"])
	require.Equal(t, 0.0, out["confidence"])
}

func TestPredictBadRequests(t *testing.T) {
	e := newTestEnv(t)

	rec, out := e.do(uploadRequest(t, "", nil, map[string]string{"latitude": "1"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No image uploaded", out["error"])

	// Not multipart at all
	req := httptest.NewRequest("POST", "/predict", strings.NewReader(`{"image": "x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec, out = e.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No image uploaded", out["error"])

	for _, name := range []string{"notes.txt", "archive.png.zip", "noextension", "image.gif"} {
		rec, out = e.do(uploadRequest(t, name, []byte("data"), nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Equal(t, "Invalid file type", out["error"], name)
	}

	require.Empty(t, e.detector.seenPath)
	requireUploadDirEmpty(t, e.uploadDir)
}

func TestPredictTooLarge(t *testing.T) {
	e := newTestEnv(t)
	h := NewHandler(logs.NewTestingLog(t), e.detector, e.geocoder, e.uploadDir, 1024)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, uploadRequest(t, "big.png", bytes.Repeat([]byte("x"), 4096), nil))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	requireUploadDirEmpty(t, e.uploadDir)
}

func TestPredictDetectorFailureCleansUp(t *testing.T) {
	e := newTestEnv(t)
	e.detector.err = errors.New("corrupt image")
	rec, out := e.do(uploadRequest(t, "a.png", []byte("garbage"), nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "Prediction failed", out["error"])
	require.True(t, e.detector.seenExists)
	requireUploadDirEmpty(t, e.uploadDir)
}

func TestPredictOversizeImage(t *testing.T) {
	e := newTestEnv(t)
	e.detector.err = fmt.Errorf("%w: 20000 x 20000", model.ErrImageTooLarge)
	rec, out := e.do(uploadRequest(t, "huge.png", []byte("tiny file, huge header"), nil))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "Image too large", out["error"])
	requireUploadDirEmpty(t, e.uploadDir)
}

func TestPredictEmptyFilename(t *testing.T) {
	e := newTestEnv(t)
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="image"; filename=""`)
	hdr.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest("POST", "/predict", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec, out := e.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No image uploaded", out["error"])
	require.Empty(t, e.detector.seenPath)
}
