package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/ingest"
	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/unitid"
	"github.com/hyperjump/shoko/internal/unitstore"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var parsed models.ParsedDocument
	if err := json.NewDecoder(r.Body).Decode(&parsed); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	src, err := ingest.NewJSONSource(&parsed)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("ingest request", zap.String("doc_id", src.DocID()), zap.Int("pages", len(src.PageNumbers())))
	doc, err := s.pipeline.Ingest(r.Context(), src)
	if err != nil {
		s.logger.Error("ingestion failed", zap.String("doc_id", src.DocID()), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	docs, err := s.store.ListDocuments(r.Context(), offset, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	doc, err := s.store.GetDocument(r.Context(), docID)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	s.logger.Debug("resume request", zap.String("doc_id", docID))
	doc, err := s.pipeline.Resume(r.Context(), docID)
	if err != nil {
		s.logger.Error("resume failed", zap.String("doc_id", docID), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

type embeddingsRequest struct {
	Embeddings []models.EmbeddingPair `json:"embeddings"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Embeddings) == 0 {
		s.respondError(w, http.StatusBadRequest, "embeddings are required")
		return
	}
	accepted, err := s.pipeline.RegisterEmbeddings(r.Context(), docID, req.Embeddings)
	if err != nil {
		s.logger.Error("embedding registration failed", zap.String("doc_id", docID), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"doc_id":   docID,
		"accepted": accepted,
		"skipped":  len(req.Embeddings) - accepted,
	})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	var plan models.QueryPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("retrieve request",
		zap.String("doc_id", docID),
		zap.Strings("terms", plan.Terms),
		zap.Int("top_k", plan.TopK),
	)
	response, err := s.engine.Retrieve(r.Context(), docID, &plan)
	if err != nil {
		s.logger.Error("retrieval failed", zap.String("doc_id", docID), zap.Error(err))
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleOutline(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if _, err := s.store.GetDocument(r.Context(), docID); err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	outline, err := s.store.Outline(r.Context(), docID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"doc_id": docID, "sections": outline})
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	if _, err := s.store.GetDocument(r.Context(), docID); err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	report, err := s.ledger.Report(r.Context(), docID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleUnitsByPage(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	pageNo, err := strconv.Atoi(chi.URLParam(r, "pageNo"))
	if err != nil || pageNo < 1 {
		s.respondError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	units, err := s.store.UnitsByPage(r.Context(), docID, pageNo)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"doc_id":  docID,
		"page_no": pageNo,
		"units":   units,
	})
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id, err := unitid.Parse(chi.URLParam(r, "unitID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	unit, err := s.store.GetUnit(r.Context(), id)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, unit)
}

func (s *Server) handleUnitCoverage(w http.ResponseWriter, r *http.Request) {
	id, err := unitid.Parse(chi.URLParam(r, "unitID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.ledger.Entry(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry == nil {
		entry = &models.CoverageEntry{UnitID: id}
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.store.CountDocuments(ctx)
	if err != nil {
		s.logger.Error("status: count documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unitCount, err := s.store.CountUnits(ctx)
	if err != nil {
		s.logger.Error("status: count units failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"documents": docCount,
		"units":     unitCount,
	}
	if s.vectors != nil {
		resp["vector_index_size"] = s.vectors.Size()
	}
	resp["config"] = map[string]interface{}{
		"semantic_enabled":     s.config.Semantic.EnabledOrDefault(),
		"embedding_dimensions": s.config.Semantic.Dimensions,
		"lexical_weight":       s.config.Retrieval.LexicalWeight,
		"semantic_weight":      s.config.Retrieval.SemanticWeight,
		"database_path":        s.config.Storage.DatabasePath,
		"bleve_index_path":     s.config.Storage.BleveIndexPath,
		"vector_index_path":    s.config.Storage.VectorIndexPath,
	}
	diskBytes, err := unitstore.DiskUsageBytes(
		s.config.Storage.DatabasePath,
		s.config.Storage.BleveIndexPath,
		s.config.Storage.VectorIndexPath,
	)
	if err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	var (
		validation *models.ValidationError
		timeout    *models.TimeoutError
	)
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
