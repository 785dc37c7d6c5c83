package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/PalmGate/internal/gateway"
	"github.com/AlexKimmel/PalmGate/internal/upstream"
)

// FallbackReading is returned when the model produces no text.
const FallbackReading = "The lines of your palm are hard to read today. Please try again in a moment."

type Handlers struct {
	pinner        upstream.Pinner
	narrator      upstream.Narrator
	maxImageBytes int64
}

func New(p upstream.Pinner, n upstream.Narrator, maxImageBytes int64) *Handlers {
	if maxImageBytes <= 0 {
		maxImageBytes = 8 << 20
	}
	return &Handlers{pinner: p, narrator: n, maxImageBytes: maxImageBytes}
}

// Register mounts the API endpoints on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/upload", h.Upload)
	mux.HandleFunc("POST /api/analyze", h.Analyze)
}

// Upload pins the multipart "file" field and answers {"ipfsHash": ...}.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		if tooLarge(err) {
			gateway.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "Request body too large")
			return
		}
		gateway.WriteError(w, http.StatusBadRequest, "missing_file", "No file uploaded")
		return
	}
	defer file.Close()

	if header.Size > h.maxImageBytes {
		gateway.WriteError(w, http.StatusBadRequest, "invalid_image", ErrImageTooLarge.Error())
		return
	}
	img, mime, err := ReadImage(file, h.maxImageBytes)
	if err != nil {
		gateway.WriteError(w, http.StatusBadRequest, "invalid_image", err.Error())
		return
	}

	name := filepath.Base(header.Filename)
	if name == "." || name == "/" {
		name = "palm" + allowedImageTypes[mime]
	}

	res, err := h.pinner.Pin(r.Context(), name, bytes.NewReader(img), mime)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("file", name).Msg("pin failed")
		gateway.WriteError(w, http.StatusBadGateway, "upstream_error", "Could not store the image")
		return
	}

	hlog.FromRequest(r).Info().Str("ipfs_hash", res.IpfsHash).Int("bytes", len(img)).Msg("image pinned")
	writeJSON(w, http.StatusOK, map[string]string{"ipfsHash": res.IpfsHash})
}

// Analyze expects {"ipfsHash": "..."} and answers {"reading": ...}.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IpfsHash any `json:"ipfsHash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if tooLarge(err) {
			gateway.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "Request body too large")
			return
		}
		gateway.WriteError(w, http.StatusBadRequest, "invalid_hash", "Invalid IPFS hash")
		return
	}
	hash, ok := req.IpfsHash.(string)
	hash = strings.TrimSpace(hash)
	if !ok || hash == "" {
		gateway.WriteError(w, http.StatusBadRequest, "invalid_hash", "Invalid IPFS hash")
		return
	}

	reading, err := h.narrator.Narrate(r.Context(), hash)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("ipfs_hash", hash).Msg("reading failed")
		gateway.WriteError(w, http.StatusBadGateway, "upstream_error", "Could not generate a reading")
		return
	}
	if reading == "" {
		reading = FallbackReading
	}

	writeJSON(w, http.StatusOK, map[string]string{"reading": reading})
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
