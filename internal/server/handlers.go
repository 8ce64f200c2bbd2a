package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/lawnchairsociety/tileforge/internal/gate"
	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/orchestrator"
	"github.com/lawnchairsociety/tileforge/internal/tile"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warning("Failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps an orchestrator error to a status. Only invalid
// input is echoed back; everything else gets a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gate.ErrAcquireTimeout):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "image generator is busy, try again later")
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		// Client went away while waiting for the gate; nobody reads this.
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, orchestrator.ErrFilesystem):
		logger.Error("Upload staging failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to stage the uploaded image")
	case errors.Is(err, orchestrator.ErrUpstream):
		writeError(w, http.StatusBadGateway, "image generation failed")
	default:
		logger.Error("Unhandled request error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writePNG(w http.ResponseWriter, res *orchestrator.Result) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Image)))
	w.Header().Set("X-Tile-Key", res.Coord.Key())
	w.Header().Set("X-Tile-Seed", strconv.FormatUint(res.Seed, 10))
	if res.Fallback {
		w.Header().Set("X-Tile-Fallback", "true")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Image)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"Hello": "World"})
}

// handleGen generates the origin tile.
func (s *Server) handleGen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.svc.Seed(r.Context(), orchestrator.SeedRequest{
		Description:      q.Get("pos_prompt"),
		NegativeOverride: q.Get("neg_prompt"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger.Info("Seed tile generated", "tile", res.Coord.Key(), "seed", res.Seed, "duration", res.Duration)
	writePNG(w, res)
}

// handleInpaint extends the map to target_x/target_y from an uploaded tile.
func (s *Server) handleInpaint(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HTTP.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req, err := parseExtendForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.Extend(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	logger.Info("Tile extended",
		"source", req.Source.Key(),
		"target", res.Coord.Key(),
		"direction", req.Direction,
		"fallback", res.Fallback,
		"duration", res.Duration)
	writePNG(w, res)
}

func parseExtendForm(r *http.Request) (orchestrator.ExtendRequest, error) {
	var req orchestrator.ExtendRequest

	ints := make(map[string]int, 4)
	for _, name := range []string{"source_x", "source_y", "target_x", "target_y"} {
		raw := strings.TrimSpace(r.FormValue(name))
		if raw == "" {
			return req, fmt.Errorf("missing required field %s", name)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("field %s must be an integer", name)
		}
		ints[name] = v
	}

	shift := false
	if raw := strings.TrimSpace(r.FormValue("shift_source")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return req, errors.New("field shift_source must be a boolean")
		}
		shift = v
	}

	file, header, err := r.FormFile("image_file")
	if err != nil {
		return req, errors.New("missing image_file upload")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return req, errors.New("failed to read image_file upload")
	}

	return orchestrator.ExtendRequest{
		Source:           tile.Coord{X: ints["source_x"], Y: ints["source_y"]},
		Target:           tile.Coord{X: ints["target_x"], Y: ints["target_y"]},
		Direction:        r.FormValue("extend_direction"),
		Image:            data,
		ContentType:      header.Header.Get("Content-Type"),
		Description:      r.FormValue("pos_prompt"),
		NegativeOverride: r.FormValue("neg_prompt"),
		ShiftSource:      shift,
	}, nil
}

func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Registry().Snapshot())
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(r.PathValue("y"))
	if errX != nil || errY != nil {
		writeError(w, http.StatusBadRequest, "tile coordinates must be integers")
		return
	}
	c := tile.Coord{X: x, Y: y}
	prompt, ok := s.svc.Registry().Get(c)
	if !ok {
		writeError(w, http.StatusNotFound, "no prompt stored for tile "+c.Key())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": c.Key(), "prompt": prompt})
}

type statusResponse struct {
	orchestrator.Stats
	UptimeSeconds int64 `json:"uptime_seconds"`
	InFlight      int   `json:"requests_in_flight"`
	Subscribers   int   `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Stats:         s.svc.Stats(),
		UptimeSeconds: int64(s.GetUptime().Seconds()),
		InFlight:      s.limiter.InFlight(),
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}
