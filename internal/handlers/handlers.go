package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/Brownie44l1/manhole-api/internal/model"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const DefaultMaxUploadBytes = 16 << 20

// Sent when coordinates are not supplied
const UnknownAddress = "Unknown"

// Detector finds objects in an image file
type Detector interface {
	Detect(imagePath string) ([]model.Detection, error)
	Classes() []string
}

// Geocoder resolves coordinates to an address. It never fails, but returns a fallback string instead.
type Geocoder interface {
	Reverse(ctx context.Context, latitude, longitude string) string
}

type Handler struct {
	log            logs.Log
	detector       Detector
	geocoder       Geocoder
	uploadDir      string
	maxUploadBytes int64
}

func NewHandler(log logs.Log, detector Detector, geocoder Geocoder, uploadDir string, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{
		log:            log,
		detector:       detector,
		geocoder:       geocoder,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
	}
}

// Router returns the complete HTTP surface, with CORS enabled
func (h *Handler) Router() http.Handler {
	router := httprouter.New()
	www.Handle(h.log, router, "GET", "/", h.Home)
	www.Handle(h.log, router, "GET", "/health", h.Health)
	www.Handle(h.log, router, "POST", "/predict", h.Predict)
	return EnableCORS(router)
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	www.SendJSON(w, map[string]string{"message": "Model API is running"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	www.SendJSON(w, map[string]any{
		"status":  "healthy",
		"classes": h.detector.Classes(),
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if r.ContentLength > h.maxUploadBytes {
		respondError(w, "Image too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "Image too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, "No image uploaded", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	// A file part with an empty filename is parsed as a plain value, so it lands here too
	file, header, err := r.FormFile("image")
	if err != nil {
		respondError(w, "No image uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !allowedFile(header.Filename) {
		respondError(w, "Invalid file type", http.StatusBadRequest)
		return
	}

	path, err := saveUpload(h.uploadDir, file, header)
	if err != nil {
		h.log.Errorf("Saving upload %v failed: %v", header.Filename, err)
		respondError(w, "Failed to save image", http.StatusInternalServerError)
		return
	}

	detections, err := h.detectUpload(path)
	if errors.Is(err, model.ErrImageTooLarge) {
		h.log.Infof("Rejected %v: %v", header.Filename, err)
		respondError(w, "Image too large", http.StatusRequestEntityTooLarge)
		return
	} else if err != nil {
		h.log.Errorf("Prediction error on %v: %v", header.Filename, err)
		respondError(w, "Prediction failed", http.StatusInternalServerError)
		return
	}
	top := model.TopDetection(detections)

	address := ""
	latitude := r.PostFormValue("latitude")
	longitude := r.PostFormValue("longitude")
	if latitude != "" && longitude != "" {
		address = h.geocoder.Reverse(r.Context(), latitude, longitude)
	}
	if address == "" {
		address = UnknownAddress
	}

	h.log.Infof("Predicted %v (%v bytes): %v %.3f, %v detections, address '%v'", header.Filename, header.Size, top.Label, top.Confidence, len(detections), address)

	respondJSON(w, model.PredictionResponse{
		Success:    true,
		Condition:  top.Label,
		Confidence: top.Confidence,
		Address:    address,
	}, http.StatusOK)
}

// detectUpload runs the detector on a saved upload, and deletes the upload
// afterwards, whether or not detection succeeded.
func (h *Handler) detectUpload(path string) ([]model.Detection, error) {
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.log.Warnf("Failed to remove upload %v: %v", path, err)
		}
	}()
	return h.detector.Detect(path)
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}

// EnableCORS allows any origin, and answers pre-flight requests directly
func EnableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
