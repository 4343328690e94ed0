package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/trailproof/core/pkg/approval"
	"github.com/trailproof/core/pkg/audit"
	"github.com/trailproof/core/pkg/connector"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/export"
	"github.com/trailproof/core/pkg/gaps"
	"github.com/trailproof/core/pkg/mapping"
	"github.com/trailproof/core/pkg/normalizer"
	"github.com/trailproof/core/pkg/observability"
	"github.com/trailproof/core/pkg/packet"
	"github.com/trailproof/core/pkg/store"
	"github.com/trailproof/core/pkg/sync"
)

// orgHeader carries the caller's organization. Authentication lives in
// front of this service; the header is trusted as already verified.
const orgHeader = "X-Org-ID"

// actorHeader identifies the human behind a mutating request.
const actorHeader = "X-Actor-ID"

const maxBodyBytes = 1 << 20

// Server exposes the evidence pipeline over HTTP.
type Server struct {
	artifacts  store.ArtifactStore
	normalizer *normalizer.Normalizer
	ledger     *approval.Ledger
	mapper     *mapping.Engine
	detector   *gaps.Detector
	assembler  *packet.Assembler
	syncSvc    *sync.Service
	dest       export.Destination
	auditor    audit.Logger
	metrics    *observability.Provider
}

func NewServer(artifacts store.ArtifactStore, norm *normalizer.Normalizer, ledger *approval.Ledger, mapper *mapping.Engine, detector *gaps.Detector, assembler *packet.Assembler, syncSvc *sync.Service, dest export.Destination, auditor audit.Logger) *Server {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Server{
		artifacts:  artifacts,
		normalizer: norm,
		ledger:     ledger,
		mapper:     mapper,
		detector:   detector,
		assembler:  assembler,
		syncSvc:    syncSvc,
		dest:       dest,
		auditor:    auditor,
	}
}

// WithMetrics instruments every request with RED metrics.
func (s *Server) WithMetrics(p *observability.Provider) *Server {
	s.metrics = p
	return s
}

// Routes builds the HTTP mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/sync", s.handleSubmitSync)
	mux.HandleFunc("GET /api/v1/sync/{id}", s.handleSyncStatus)

	mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)

	mux.HandleFunc("GET /api/v1/artifacts/{id}", s.handleGetArtifact)
	mux.HandleFunc("POST /api/v1/artifacts/{id}/mappings", s.handleManualMap)
	mux.HandleFunc("GET /api/v1/artifacts/{id}/mappings", s.handleEffectiveMappings)
	mux.HandleFunc("POST /api/v1/artifacts/{id}/decisions", s.handleDecision)
	mux.HandleFunc("GET /api/v1/artifacts/{id}/decisions", s.handleHistory)

	mux.HandleFunc("GET /api/v1/coverage", s.handleCoverage)

	mux.HandleFunc("POST /api/v1/packets", s.handleAssemble)
	mux.HandleFunc("GET /api/v1/packets/{id}", s.handleGetPacket)
	mux.HandleFunc("POST /api/v1/packets/{id}/export", s.handleExport)

	if s.metrics != nil {
		return RequestID(s.instrument(mux))
	}
	return RequestID(mux)
}

// instrument records one RED sample per request. The label is the matched
// route pattern rather than the raw path, so artifact and packet IDs do not
// explode the metric cardinality.
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(sw, r)
		_, route := mux.Handler(r)
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.RecordRequest(r.Context(), route, sw.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitSyncRequest starts a background ingestion run.
type SubmitSyncRequest struct {
	SourceSystem contracts.SourceSystem `json:"source_system"`
	Config       connector.Config       `json:"config,omitempty"`
}

func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}

	var req SubmitSyncRequest
	if !decode(w, r, &req) {
		return
	}

	job, err := s.syncSvc.Submit(r.Context(), orgID, req.SourceSystem, req.Config)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.record(r, audit.EventIngest, "sync.submit", "sync/"+job.ID, map[string]any{"source_system": req.SourceSystem})
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	job, err := s.syncSvc.Status(r.Context(), orgID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// IngestRequest pushes raw evidence records directly, for callers that
// collect evidence themselves instead of going through a registered
// connector.
type IngestRequest struct {
	Records []IngestRecord `json:"records"`
}

// IngestRecord is the wire form of one raw evidence record.
type IngestRecord struct {
	SourceSystem   contracts.SourceSystem `json:"source_system"`
	SourceObjectID string                 `json:"source_object_id"`
	SourceURL      string                 `json:"source_url"`
	ArtifactType   contracts.ArtifactType `json:"artifact_type"`
	Title          string                 `json:"title"`
	Payload        map[string]any         `json:"payload"`
	PeriodStart    time.Time              `json:"period_start"`
	PeriodEnd      time.Time              `json:"period_end"`
}

// IngestResult reports the fate of one submitted record.
type IngestResult struct {
	SourceObjectID string `json:"source_object_id"`
	ArtifactID     string `json:"artifact_id,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	Error          string `json:"error,omitempty"`
}

// IngestResponse lists per-record results in submission order.
type IngestResponse struct {
	Results []IngestResult `json:"results"`
}

// handleIngest feeds each record through the normalizer and auto-mapper. A
// record that fails validation is reported in its result and does not fail
// the batch; nothing partial is persisted for it.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		WriteBadRequest(w, "records must not be empty")
		return
	}

	results := make([]IngestResult, 0, len(req.Records))
	for _, rec := range req.Records {
		raw := connector.RawRecord{
			SourceSystem:   rec.SourceSystem,
			SourceObjectID: rec.SourceObjectID,
			SourceURL:      rec.SourceURL,
			ArtifactType:   rec.ArtifactType,
			Title:          rec.Title,
			Payload:        rec.Payload,
			PeriodStart:    rec.PeriodStart,
			PeriodEnd:      rec.PeriodEnd,
		}
		artifact, outcome, err := s.normalizer.Normalize(r.Context(), orgID, "", raw)
		if err != nil {
			var vErr *contracts.ValidationError
			if errors.As(err, &vErr) {
				results = append(results, IngestResult{SourceObjectID: rec.SourceObjectID, Error: err.Error()})
				continue
			}
			WriteDomainError(w, err)
			return
		}
		if outcome != normalizer.OutcomeUnchanged {
			// The artifact is already persisted; a scorer failure
			// degrades to manual mapping.
			if _, err := s.mapper.AutoMap(r.Context(), artifact); err != nil {
				slog.WarnContext(r.Context(), "auto-mapping failed",
					"artifact_id", artifact.ID, "error", err)
			}
		}
		results = append(results, IngestResult{
			SourceObjectID: rec.SourceObjectID,
			ArtifactID:     artifact.ID,
			Outcome:        string(outcome),
		})
	}
	s.record(r, audit.EventIngest, "ingest.push", "ingest", map[string]any{"records": len(req.Records)})
	writeJSON(w, http.StatusOK, IngestResponse{Results: results})
}

// ArtifactResponse pairs an artifact with its derived approval status.
type ArtifactResponse struct {
	Artifact *contracts.EvidenceArtifact `json:"artifact"`
	Status   contracts.ApprovalStatus    `json:"approval_status"`
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	artifact, err := s.artifacts.Get(r.Context(), orgID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	status, err := s.ledger.CurrentStatus(r.Context(), orgID, artifact.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ArtifactResponse{Artifact: artifact, Status: status})
}

// ManualMapRequest maps an artifact to a control by reviewer decision.
type ManualMapRequest struct {
	ControlID string `json:"control_id"`
	Rationale string `json:"rationale"`
}

func (s *Server) handleManualMap(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		WriteBadRequest(w, "missing "+actorHeader+" header")
		return
	}

	var req ManualMapRequest
	if !decode(w, r, &req) {
		return
	}

	artifactID := r.PathValue("id")
	m, err := s.mapper.ManualMap(r.Context(), orgID, artifactID, req.ControlID, actorID, req.Rationale)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.record(r, audit.EventMapping, "mapping.manual", "artifacts/"+artifactID, map[string]any{"control_id": req.ControlID})
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleEffectiveMappings(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	effective, err := s.mapper.EffectiveForArtifact(r.Context(), orgID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, effective)
}

// DecisionRequest records an approval decision for an artifact.
type DecisionRequest struct {
	Decision contracts.Decision `json:"decision"`
	Notes    string             `json:"notes,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		WriteBadRequest(w, "missing "+actorHeader+" header")
		return
	}

	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}

	artifactID := r.PathValue("id")
	rec, err := s.ledger.RecordDecision(r.Context(), orgID, artifactID, req.Decision, actorID, req.Notes)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.record(r, audit.EventApproval, "approval.decide", "artifacts/"+artifactID, map[string]any{"decision": req.Decision})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	records, err := s.ledger.History(r.Context(), orgID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}

	controlID := r.URL.Query().Get("control_id")
	if controlID == "" {
		WriteBadRequest(w, "missing control_id query parameter")
		return
	}
	period, err := parsePeriod(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	report, err := s.detector.Coverage(r.Context(), orgID, controlID, period)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AssembleRequest builds a packet for a period and set of controls.
type AssembleRequest struct {
	Start      string   `json:"start"`
	End        string   `json:"end"`
	ControlIDs []string `json:"control_ids"`
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		WriteBadRequest(w, "missing "+actorHeader+" header")
		return
	}

	var req AssembleRequest
	if !decode(w, r, &req) {
		return
	}
	period, err := parsePeriod(req.Start, req.End)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	p, err := s.assembler.Assemble(r.Context(), orgID, actorID, period, req.ControlIDs)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.record(r, audit.EventPacket, "packet.assemble", "packets/"+p.ID, map[string]any{"control_ids": req.ControlIDs})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPacket(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	p, err := s.assembler.GetPacket(r.Context(), orgID, r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExportResponse returns where an exported packet landed. PacketID names the
// packet that actually shipped, which differs from the requested one when a
// content conflict forced a re-assembly.
type ExportResponse struct {
	PacketID  string `json:"packet_id"`
	ExportRef string `json:"export_ref"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	packetID := r.PathValue("id")

	shipped, ref, err := s.assembler.Export(r.Context(), orgID, packetID, s.dest)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.record(r, audit.EventPacket, "packet.export", "packets/"+shipped.ID, map[string]any{"export_ref": ref})
	writeJSON(w, http.StatusOK, ExportResponse{PacketID: shipped.ID, ExportRef: ref})
}

func (s *Server) record(r *http.Request, t audit.EventType, action, resource string, meta map[string]any) {
	orgID := r.Header.Get(orgHeader)
	actorID := r.Header.Get(actorHeader)
	_ = s.auditor.Record(r.Context(), orgID, actorID, t, action, resource, meta)
}

func requireOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := r.Header.Get(orgHeader)
	if orgID == "" {
		WriteBadRequest(w, "missing "+orgHeader+" header")
		return "", false
	}
	return orgID, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func parsePeriod(start, end string) (contracts.Interval, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return contracts.Interval{}, contracts.NewValidationError("start", "must be RFC 3339")
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return contracts.Interval{}, contracts.NewValidationError("end", "must be RFC 3339")
	}
	if !e.After(s) {
		return contracts.Interval{}, contracts.NewValidationError("end", "must be after start")
	}
	return contracts.Interval{Start: s, End: e}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
