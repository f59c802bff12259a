// Package server exposes the coding workflow over HTTP: upload a dataset,
// start and steer a run, follow progress over a websocket, download the coded
// results.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"surveycoder/internal/classifier"
	"surveycoder/internal/config"
	"surveycoder/internal/domain"
	"surveycoder/internal/freq"
	"surveycoder/internal/notify"
	"surveycoder/internal/runner"
	"surveycoder/internal/session"
	"surveycoder/internal/storage/sqlite"
	"surveycoder/internal/table"
	"surveycoder/internal/taxonomy"
)

const maxUploadBytes = 64 << 20

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	client   classifier.Client
	db       *sql.DB
	notifier *notify.Slack
	mux      *http.ServeMux

	mu       sync.Mutex
	hubs     map[string]*hub
	monitors map[string]chan struct{}
}

func New(cfg config.Config, sessions *session.Manager, client classifier.Client, db *sql.DB, notifier *notify.Slack) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		client:   client,
		db:       db,
		notifier: notifier,
		mux:      http.NewServeMux(),
		hubs:     make(map[string]*hub),
		monitors: make(map[string]chan struct{}),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("GET /api/sessions/{id}/columns", s.handleColumns)
	s.mux.HandleFunc("POST /api/sessions/{id}/process", s.handleProcess)
	s.mux.HandleFunc("GET /api/sessions/{id}/progress", s.handleProgress)
	s.mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResume)
	s.mux.HandleFunc("GET /api/sessions/{id}/summary", s.handleSummary)
	s.mux.HandleFunc("POST /api/sessions/{id}/frequencies", s.handleFrequencies)
	s.mux.HandleFunc("POST /api/sessions/{id}/manual-codes", s.handleManualCodes)
	s.mux.HandleFunc("GET /api/sessions/{id}/download/responses", s.handleDownloadResponses)
	s.mux.HandleFunc("GET /api/sessions/{id}/download/codes", s.handleDownloadCodes)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCleanup)
	s.mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

// handleUpload receives the answers table and the codes sheet as multipart
// CSV files and opens a new session around them.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}

	responses, err := s.readUploadedTable(r, "responses")
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read responses file", err.Error())
		return
	}
	codesTab, err := s.readUploadedTable(r, "codes")
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read codes file", err.Error())
		return
	}

	book, err := taxonomy.LoadBook(codesTab, s.cfg.CodesSheet)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot parse codes sheet", err.Error())
		return
	}
	book.Store().ResidualFloor = s.cfg.StartCode

	sess, err := s.sessions.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot create session", err.Error())
		return
	}
	if err := s.keepUploadCopies(r, sess.Dir); err != nil {
		log.Printf("server: keeping upload copies for %s: %v", sess.ID, err)
	}

	sess.Mu.Lock()
	sess.Responses = responses
	sess.Book = book
	sess.Mu.Unlock()

	log.Printf("server: session %s opened, %d rows, %d questions", sess.ID, responses.RowCount(), len(book.Store().Questions()))
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"columns":    responses.Columns,
		"questions":  book.Store().Questions(),
	})
}

func (s *Server) readUploadedTable(r *http.Request, field string) (*table.Table, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %q file: %w", field, err)
	}
	defer file.Close()
	return table.Read(file)
}

// keepUploadCopies stores the raw uploads in the session dir for auditing.
func (s *Server) keepUploadCopies(r *http.Request, dir string) error {
	for _, field := range []string{"responses", "codes"} {
		file, header, err := r.FormFile(field)
		if err != nil {
			return err
		}
		name := filepath.Base(header.Filename)
		if name == "" || name == "." {
			name = field + ".csv"
		}
		dst, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			file.Close()
			return err
		}
		_, err = io.Copy(dst, file)
		file.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Mu.Lock()
	defer sess.Mu.Unlock()
	if !guardNotRunning(w, sess) {
		return
	}
	if sess.Responses == nil {
		writeError(w, http.StatusConflict, "no dataset uploaded", "")
		return
	}

	type columnInfo struct {
		Name      string   `json:"name"`
		Residual  bool     `json:"residual"`
		Questions []string `json:"questions"`
	}
	var out []columnInfo
	for _, name := range sess.Responses.Columns {
		out = append(out, columnInfo{
			Name:      name,
			Residual:  domain.IsResidualColumn(name),
			Questions: sess.Book.QuestionsForColumn(name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": out})
}

type columnRequest struct {
	Name         string `json:"name"`
	MultiLabel   bool   `json:"multiLabel"`
	MaxLabels    *int   `json:"maxLabels"`
	Context      string `json:"context"`
	MaxNewLabels *int   `json:"maxNewLabels"`
}

type processRequest struct {
	Columns    []columnRequest `json:"columns"`
	AutoReview *bool           `json:"autoReview"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Columns) == 0 {
		writeError(w, http.StatusBadRequest, "no columns selected", "")
		return
	}

	columns := make([]domain.ColumnConfig, 0, len(req.Columns))
	for _, c := range req.Columns {
		cc := domain.ColumnConfig{
			Name:         strings.TrimSpace(c.Name),
			MultiLabel:   c.MultiLabel,
			Context:      strings.TrimSpace(c.Context),
			MaxLabels:    s.cfg.MaxLabels,
			MaxNewLabels: s.cfg.MaxNewLabels,
		}
		if c.MaxLabels != nil {
			cc.MaxLabels = *c.MaxLabels
		}
		if c.MaxNewLabels != nil {
			cc.MaxNewLabels = *c.MaxNewLabels
		}
		if cc.Name == "" {
			writeError(w, http.StatusBadRequest, "column name is required", "")
			return
		}
		columns = append(columns, cc)
	}
	autoReview := s.cfg.AutoReview
	if req.AutoReview != nil {
		autoReview = *req.AutoReview
	}

	sess.Mu.Lock()
	if sess.Responses == nil || sess.Book == nil {
		sess.Mu.Unlock()
		writeError(w, http.StatusConflict, "no dataset uploaded", "")
		return
	}
	if sess.Processor != nil && sess.Processor.State().Status == domain.StatusRunning {
		sess.Mu.Unlock()
		writeError(w, http.StatusConflict, "a run is already in progress", "")
		return
	}

	runID := uuid.NewString()
	if err := sqlite.InsertRun(s.db, runID, sess.ID); err != nil {
		log.Printf("server: recording run %s: %v", runID, err)
	}
	proc := runner.New(runner.Config{
		Columns:    columns,
		Book:       sess.Book,
		Responses:  sess.Responses,
		Client:     s.client,
		AutoReview: autoReview,
		Journal:    sqlite.NewJournal(s.db, runID),
	})
	// The run outlives the request; it gets a detached context and is stopped
	// through Stop, not through request cancellation.
	if err := proc.Start(context.Background()); err != nil {
		sess.Mu.Unlock()
		writeError(w, http.StatusBadRequest, "cannot start run", err.Error())
		return
	}
	sess.Processor = proc
	sess.Columns = columns
	sess.RunID = runID
	sess.Mu.Unlock()

	s.watch(sess.ID, proc)
	log.Printf("server: run %s started for session %s (%d columns)", runID, sess.ID, len(columns))
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": domain.StatusRunning})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	proc, ok := s.processor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(proc.State()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	proc, ok := s.processor(w, r)
	if !ok {
		return
	}
	proc.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopping"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	proc, ok := s.processor(w, r)
	if !ok {
		return
	}
	var req struct {
		SkipCurrent bool `json:"skipCurrent"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
	}
	if err := proc.Resume(context.Background(), req.SkipCurrent); err != nil {
		writeError(w, http.StatusConflict, "cannot resume", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": domain.StatusRunning})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Mu.Lock()
	proc := sess.Processor
	runID := sess.RunID
	columns := make([]string, 0, len(sess.Columns))
	for _, c := range sess.Columns {
		columns = append(columns, c.Name)
	}
	sess.Mu.Unlock()
	if proc == nil {
		writeError(w, http.StatusConflict, "no run for this session", "")
		return
	}

	type newLabel struct {
		Question string `json:"question"`
		Code     string `json:"code"`
		Label    string `json:"label"`
	}
	// The processor's snapshot, not the taxonomy store: the store belongs to
	// the run goroutine while the run is in flight.
	var added []newLabel
	for _, a := range proc.MintedLabels() {
		added = append(added, newLabel{Question: a.Question, Code: a.Code, Label: a.Label})
	}

	var journal map[string]any
	if runID != "" {
		if col, row, processed, ok, err := sqlite.LoadCheckpoint(s.db, runID); err == nil && ok {
			n, countErr := sqlite.NewLabelCount(s.db, runID)
			if countErr != nil {
				log.Printf("server: counting journal labels for run %s: %v", runID, countErr)
			}
			journal = map[string]any{
				"column_index":        col,
				"row_index":           row,
				"processed_count":     processed,
				"new_labels_recorded": n,
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"columns":    columns,
		"summary":    proc.Summary(),
		"state":      stateResponse(proc.State()),
		"new_labels": added,
		"journal":    journal,
	})
}

func (s *Server) handleFrequencies(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Column     string `json:"column"`
		Similarity int    `json:"similarity"`
		MinCount   int    `json:"minCount"`
		TopN       int    `json:"topN"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	sess.Mu.Lock()
	defer sess.Mu.Unlock()
	if sess.Responses == nil {
		writeError(w, http.StatusConflict, "no dataset uploaded", "")
		return
	}
	if !guardNotRunning(w, sess) {
		return
	}
	if !sess.Responses.HasColumn(req.Column) {
		writeError(w, http.StatusBadRequest, "unknown column", req.Column)
		return
	}
	groups := freq.FrequentResponses(sess.Responses, req.Column, freq.Options{
		Similarity: req.Similarity,
		MinCount:   req.MinCount,
		TopN:       req.TopN,
	})
	writeJSON(w, http.StatusOK, map[string]any{"column": req.Column, "groups": groups})
}

func (s *Server) handleManualCodes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req struct {
		Column      string            `json:"column"`
		Assignments map[string]string `json:"assignments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	sess.Mu.Lock()
	defer sess.Mu.Unlock()
	if sess.Responses == nil {
		writeError(w, http.StatusConflict, "no dataset uploaded", "")
		return
	}
	if !guardNotRunning(w, sess) {
		return
	}
	if !sess.Responses.HasColumn(req.Column) {
		writeError(w, http.StatusBadRequest, "unknown column", req.Column)
		return
	}
	modified := freq.ApplyManualCoding(sess.Responses, req.Column, req.Assignments)
	writeJSON(w, http.StatusOK, map[string]any{"modified": len(modified)})
}

func (s *Server) handleDownloadResponses(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Mu.Lock()
	defer sess.Mu.Unlock()
	if sess.Responses == nil {
		writeError(w, http.StatusConflict, "no dataset uploaded", "")
		return
	}
	if !guardNotRunning(w, sess) {
		return
	}
	serveCSV(w, "responses_coded.csv", sess.Responses)
}

func (s *Server) handleDownloadCodes(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.Mu.Lock()
	defer sess.Mu.Unlock()
	if sess.Book == nil {
		writeError(w, http.StatusConflict, "no dataset uploaded", "")
		return
	}
	if !guardNotRunning(w, sess) {
		return
	}
	serveCSV(w, "codes_updated.csv", sess.Book.Export())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "unknown session", id)
		return
	}
	s.sessions.Remove(id)
	s.dropHub(id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session", id)
		return nil, false
	}
	return sess, true
}

// guardNotRunning rejects table access while a run owns the dataset. The
// processor is the only writer during a run; readers wait for a pause or
// completion. Callers must hold sess.Mu.
func guardNotRunning(w http.ResponseWriter, sess *session.Session) bool {
	if sess.Processor != nil && sess.Processor.State().Status == domain.StatusRunning {
		writeError(w, http.StatusConflict, "a run is in progress", "stop it or wait for completion")
		return false
	}
	return true
}

func (s *Server) processor(w http.ResponseWriter, r *http.Request) (*runner.Processor, bool) {
	sess, ok := s.session(w, r)
	if !ok {
		return nil, false
	}
	sess.Mu.Lock()
	proc := sess.Processor
	sess.Mu.Unlock()
	if proc == nil {
		writeError(w, http.StatusConflict, "no run for this session", "")
		return nil, false
	}
	return proc, true
}

type stateJSON struct {
	Status        domain.RunStatus `json:"status"`
	Progress      float64          `json:"progress"`
	CurrentColumn string           `json:"current_column,omitempty"`
	Processed     int              `json:"processed"`
	Total         int              `json:"total"`
	LastError     string           `json:"last_error,omitempty"`
}

func stateResponse(st domain.RunState) stateJSON {
	return stateJSON{
		Status:        st.Status,
		Progress:      st.Progress(),
		CurrentColumn: st.CurrentColumn,
		Processed:     st.ProcessedCount,
		Total:         st.TotalCount,
		LastError:     st.LastError,
	}
}

func serveCSV(w http.ResponseWriter, filename string, tab *table.Table) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := tab.Write(w); err != nil {
		log.Printf("server: writing %s: %v", filename, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, map[string]string{"error": msg, "details": details})
}
