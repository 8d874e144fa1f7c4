package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/andresmejia3/truthlens/internal/metrics"
	"github.com/andresmejia3/truthlens/internal/pipeline"
	"github.com/andresmejia3/truthlens/internal/report"
	"github.com/andresmejia3/truthlens/internal/store"
	"github.com/gorilla/mux"
	"github.com/mdobak/go-xerrors"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// handleAnalyze stages the multipart "file" field and streams the run as server-sent events.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendErrorResponse(w, "streaming_unsupported", "response writer cannot stream", http.StatusInternalServerError)
		return
	}

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}

	res, err := s.stageUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			sendErrorResponse(w, "upload_too_large", fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
		case errors.Is(err, errNoFile):
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		default:
			s.logger.Error("failed to stage upload", slog.Any("error", xerrors.New(err)))
			sendErrorResponse(w, "upload_failed", "could not store upload", http.StatusInternalServerError)
		}
		return
	}

	logger := s.logger.With("run_id", res.ID, "filename", res.Filename)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := s.analyzer.Start(r.Context(), res)
	encodeFailed := false
	for ev := range stream.Events() {
		line, err := ev.Line()
		if err != nil {
			logger.Error("unencodable event", "kind", ev.Kind, slog.Any("error", xerrors.New(err)))
			if !ev.Terminal() {
				continue
			}
			// The client must still see the stream end with a terminal line.
			encodeFailed = true
			line, _ = pipeline.Event{Kind: pipeline.EventError, Text: err.Error()}.Line()
		}
		writeSSE(w, flusher, line)
	}

	result, err := stream.Wait()
	if err != nil || encodeFailed {
		// Already reported on the stream, or the client went away.
		return
	}

	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), historyTimeout)
	defer cancel()
	if err := s.history.SaveRun(ctx, res.ID, res.SHA256, result); err != nil {
		logger.Error("failed to record run history", slog.Any("error", xerrors.New(err)))
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, line string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
	flusher.Flush()
}

var errNoFile = errors.New(`multipart field "file" is required`)

// stageUpload streams the "file" part straight into a run directory without buffering it in memory.
func (s *Server) stageUpload(r *http.Request) (*pipeline.RunResource, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoFile, err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		res, err := pipeline.Stage(s.cfg.UploadDir, part.FileName(), part, s.logger)
		part.Close()
		return res, err
	}
}

// handleReport renders a posted run result as a downloadable PDF.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var summary report.Summary
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBodyBytes)).Decode(&summary); err != nil {
		metrics.RecordReport("error")
		sendErrorResponse(w, "invalid_request", "body must be an analysis result: "+err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := s.renderer.Render(&buf, summary); err != nil {
		metrics.RecordReport("error")
		s.logger.Error("failed to render report", slog.Any("error", xerrors.New(err)))
		sendErrorResponse(w, "report_failed", "could not render report", http.StatusInternalServerError)
		return
	}
	metrics.RecordReport("success")

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="deepfake_report.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		sendErrorResponse(w, "history_disabled", "no database configured", http.StatusServiceUnavailable)
		return
	}

	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendErrorResponse(w, "invalid_request", "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", slog.Any("error", xerrors.New(err)))
		sendErrorResponse(w, "history_failed", "could not read run history", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		sendErrorResponse(w, "history_disabled", "no database configured", http.StatusServiceUnavailable)
		return
	}

	run, err := s.history.GetRun(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		sendErrorResponse(w, "not_found", "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to read run", slog.Any("error", xerrors.New(err)))
		sendErrorResponse(w, "history_failed", "could not read run history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
