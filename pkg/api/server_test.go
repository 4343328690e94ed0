package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/trailproof/core/pkg/approval"
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

type testEnv struct {
	handler http.Handler
	server  *Server
	store   *store.SQLStore
	ctx     context.Context
}

type noSuggestions struct{}

func (noSuggestions) Suggest(context.Context, *contracts.EvidenceArtifact) ([]mapping.Suggestion, error) {
	return nil, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewSQLStore(db)

	require.NoError(t, s.PutControl(ctx, &contracts.Control{
		ID: "CC7.1", Framework: "SOC2", Name: "Change Management",
		Granularity: contracts.GranularityMonthly,
	}))

	ledger := approval.NewLedger(s, s)
	mapper := mapping.NewEngine(s, s, s, noSuggestions{}, 0.7)
	detector := gaps.NewDetector(s, s, ledger)
	assembler := packet.NewAssembler(s, s, detector, ledger)

	norm, err := normalizer.New(s, s, nil)
	require.NoError(t, err)
	registry := connector.NewRegistry()
	registry.Register(connector.NewStaticConnector(contracts.SourceGitHub, nil, 10))
	syncSvc := sync.NewService(s, registry, norm, mapper, nil)
	syncSvc.Start(ctx, 1)
	t.Cleanup(func() {
		cancel()
		syncSvc.Stop()
	})

	dest, err := export.NewFilesystemDestination(t.TempDir())
	require.NoError(t, err)

	srv := NewServer(s, norm, ledger, mapper, detector, assembler, syncSvc, dest, nil)
	return &testEnv{handler: srv.Routes(), server: srv, store: s, ctx: ctx}
}

func (e *testEnv) seedArtifact(t *testing.T, id string) *contracts.EvidenceArtifact {
	t.Helper()
	captured := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := &contracts.EvidenceArtifact{
		ID:             id,
		OrgID:          "org-1",
		SourceSystem:   contracts.SourceGitHub,
		SourceObjectID: "pr-" + id,
		SourceURL:      "https://github.com/acme/infra/pull/" + id,
		ArtifactType:   contracts.ArtifactPullRequest,
		Title:          "Rotate signing keys",
		ContentHash:    "sha256:" + id + "0000000000000000000000000000000000000000000000000000000000",
		CapturedAt:     captured,
		PeriodStart:    time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2026, 3, 9, 23, 59, 59, 0, time.UTC),
	}
	require.NoError(t, e.store.Insert(e.ctx, a))
	return a
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func orgHeaders() map[string]string {
	return map[string]string{orgHeader: "org-1", actorHeader: "user-1"}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingOrgHeader(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/artifacts/a-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, http.StatusBadRequest, problem.Status)
	require.Contains(t, problem.Detail, orgHeader)
}

func TestGetArtifact(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedArtifact(t, "a-1")

	rec := env.do(http.MethodGet, "/api/v1/artifacts/a-1", nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ArtifactResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, a.ID, resp.Artifact.ID)
	require.Equal(t, contracts.StatusPending, resp.Status, "an undecided artifact reads as pending")
}

func TestGetArtifactNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/v1/artifacts/nope", nil, orgHeaders())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactOrgIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.seedArtifact(t, "a-1")

	other := map[string]string{orgHeader: "org-2", actorHeader: "user-9"}
	rec := env.do(http.MethodGet, "/api/v1/artifacts/a-1", nil, other)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecisionFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedArtifact(t, "a-1")

	rec := env.do(http.MethodPost, "/api/v1/artifacts/a-1/decisions",
		DecisionRequest{Decision: contracts.DecisionApproved, Notes: "checked the diff"}, orgHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	var record contracts.ApprovalRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, contracts.DecisionApproved, record.Decision)
	require.Equal(t, "user-1", record.ActorID)
	require.NotEmpty(t, record.SignatureHash)

	rec = env.do(http.MethodGet, "/api/v1/artifacts/a-1", nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ArtifactResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, contracts.StatusApproved, resp.Status)

	rec = env.do(http.MethodGet, "/api/v1/artifacts/a-1/decisions", nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var history []contracts.ApprovalRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
}

func TestDecisionRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	env.seedArtifact(t, "a-1")

	headers := map[string]string{orgHeader: "org-1"}
	rec := env.do(http.MethodPost, "/api/v1/artifacts/a-1/decisions",
		DecisionRequest{Decision: contracts.DecisionApproved}, headers)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	env.seedArtifact(t, "a-1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts/a-1/decisions",
		bytes.NewBufferString("{not json"))
	for k, v := range orgHeaders() {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManualMapAndEffective(t *testing.T) {
	env := newTestEnv(t)
	env.seedArtifact(t, "a-1")

	rec := env.do(http.MethodPost, "/api/v1/artifacts/a-1/mappings",
		ManualMapRequest{ControlID: "CC7.1", Rationale: "documents the key rotation"}, orgHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	var m contracts.ControlMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, "CC7.1", m.ControlID)
	require.InDelta(t, 1.0, m.Confidence, 1e-9)

	rec = env.do(http.MethodGet, "/api/v1/artifacts/a-1/mappings", nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var effective map[string]*contracts.ControlMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &effective))
	require.Contains(t, effective, "CC7.1")
}

func TestManualMapUnknownControl(t *testing.T) {
	env := newTestEnv(t)
	env.seedArtifact(t, "a-1")

	rec := env.do(http.MethodPost, "/api/v1/artifacts/a-1/mappings",
		ManualMapRequest{ControlID: "NOPE-1"}, orgHeaders())
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCoverageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedArtifact(t, "a-1")

	env.do(http.MethodPost, "/api/v1/artifacts/"+a.ID+"/mappings",
		ManualMapRequest{ControlID: "CC7.1"}, orgHeaders())
	env.do(http.MethodPost, "/api/v1/artifacts/"+a.ID+"/decisions",
		DecisionRequest{Decision: contracts.DecisionApproved}, orgHeaders())

	path := "/api/v1/coverage?control_id=CC7.1&start=2026-03-01T00:00:00Z&end=2026-04-01T00:00:00Z"
	rec := env.do(http.MethodGet, path, nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var report contracts.CoverageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "CC7.1", report.ControlID)
	require.Empty(t, report.Gaps)
}

func TestCoverageValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/coverage?start=2026-03-01T00:00:00Z&end=2026-04-01T00:00:00Z", nil, orgHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing control_id")

	rec = env.do(http.MethodGet, "/api/v1/coverage?control_id=CC7.1&start=bogus&end=2026-04-01T00:00:00Z", nil, orgHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code, "bad start timestamp")

	rec = env.do(http.MethodGet, "/api/v1/coverage?control_id=CC7.1&start=2026-04-01T00:00:00Z&end=2026-03-01T00:00:00Z", nil, orgHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code, "inverted period")
}

func TestAssembleGetExportFlow(t *testing.T) {
	env := newTestEnv(t)
	a := env.seedArtifact(t, "a-1")

	env.do(http.MethodPost, "/api/v1/artifacts/"+a.ID+"/mappings",
		ManualMapRequest{ControlID: "CC7.1"}, orgHeaders())
	env.do(http.MethodPost, "/api/v1/artifacts/"+a.ID+"/decisions",
		DecisionRequest{Decision: contracts.DecisionApproved}, orgHeaders())

	rec := env.do(http.MethodPost, "/api/v1/packets", AssembleRequest{
		Start:      "2026-03-01T00:00:00Z",
		End:        "2026-04-01T00:00:00Z",
		ControlIDs: []string{"CC7.1"},
	}, orgHeaders())
	require.Equal(t, http.StatusCreated, rec.Code)

	var p contracts.Packet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.NotEmpty(t, p.ID)
	require.NotEmpty(t, p.ManifestHash)

	rec = env.do(http.MethodGet, "/api/v1/packets/"+p.ID, nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, fmt.Sprintf("/api/v1/packets/%s/export", p.ID), nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	var exported ExportResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	require.Equal(t, p.ID, exported.PacketID)
	require.Contains(t, exported.ExportRef, "file://")
}

func TestAssembleValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/packets", AssembleRequest{
		Start: "2026-03-01T00:00:00Z", End: "2026-04-01T00:00:00Z", ControlIDs: nil,
	}, orgHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitSyncUnknownSource(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/sync",
		SubmitSyncRequest{SourceSystem: "bitbucket"}, orgHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitSyncAccepted(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/sync",
		SubmitSyncRequest{SourceSystem: contracts.SourceGitHub}, orgHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job contracts.SyncJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)

	rec = env.do(http.MethodGet, "/api/v1/sync/"+job.ID, nil, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/health", nil, nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func ingestRecord(objectID, title string) IngestRecord {
	return IngestRecord{
		SourceSystem:   contracts.SourceGitHub,
		SourceObjectID: objectID,
		SourceURL:      "https://github.com/acme/infra/pull/" + objectID,
		ArtifactType:   contracts.ArtifactPullRequest,
		Title:          title,
		Payload:        map[string]any{"title": title, "merged": true},
		PeriodStart:    time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2026, 3, 9, 23, 59, 59, 0, time.UTC),
	}
}

func TestIngestCreatesArtifacts(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/ingest", IngestRequest{
		Records: []IngestRecord{ingestRecord("pr-1", "Rotate keys"), ingestRecord("pr-2", "Enable MFA")},
	}, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	for _, res := range resp.Results {
		require.Empty(t, res.Error)
		require.Equal(t, "created", res.Outcome)
		require.NotEmpty(t, res.ArtifactID)
	}

	// Ingested artifacts are immediately readable through the regular
	// surface.
	get := env.do(http.MethodGet, "/api/v1/artifacts/"+resp.Results[0].ArtifactID, nil, orgHeaders())
	require.Equal(t, http.StatusOK, get.Code)
}

func TestIngestIdempotentResubmit(t *testing.T) {
	env := newTestEnv(t)
	body := IngestRequest{Records: []IngestRecord{ingestRecord("pr-1", "Rotate keys")}}

	first := env.do(http.MethodPost, "/api/v1/ingest", body, orgHeaders())
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(http.MethodPost, "/api/v1/ingest", body, orgHeaders())
	require.Equal(t, http.StatusOK, second.Code)
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.Equal(t, "unchanged", resp.Results[0].Outcome)
}

func TestIngestReportsMalformedRecordsPerItem(t *testing.T) {
	env := newTestEnv(t)

	bad := ingestRecord("pr-bad", "Broken")
	bad.SourceURL = ""
	rec := env.do(http.MethodPost, "/api/v1/ingest", IngestRequest{
		Records: []IngestRecord{bad, ingestRecord("pr-ok", "Fine")},
	}, orgHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	require.NotEmpty(t, resp.Results[0].Error, "the malformed record is reported")
	require.Empty(t, resp.Results[0].ArtifactID, "nothing partial is persisted for it")
	require.Equal(t, "created", resp.Results[1].Outcome, "the rest of the batch still lands")
}

func TestIngestEmptyBatch(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/ingest", IngestRequest{}, orgHeaders())
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestMetricsRecorded(t *testing.T) {
	env := newTestEnv(t)

	reader := sdkmetric.NewManualReader()
	provider, err := observability.NewWithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	handler := env.server.WithMetrics(provider).Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/nope", nil)
	for k, v := range orgHeaders() {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "trailproof.requests.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.NotEmpty(t, sum.DataPoints)
			route, _ := sum.DataPoints[0].Attributes.Value(attribute.Key("route"))
			require.Equal(t, "GET /api/v1/artifacts/{id}", route.AsString(),
				"the sample is labelled with the route pattern, not the raw path")
			found = true
		}
	}
	require.True(t, found, "a request through the instrumented mux emits the request counter")
}
