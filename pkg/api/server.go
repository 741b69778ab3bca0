package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/graphlord/pkg/cypher"
	"github.com/rmax-ai/graphlord/pkg/engine"
	"github.com/rmax-ai/graphlord/pkg/graph"
	"github.com/rmax-ai/graphlord/pkg/merge"
	"github.com/rmax-ai/graphlord/pkg/pattern"
	"github.com/rmax-ai/graphlord/pkg/reports"
	"github.com/rmax-ai/graphlord/pkg/rules"
	"github.com/rmax-ai/graphlord/pkg/scan"
	"github.com/rmax-ai/graphlord/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

// maxFactsBody bounds the size of a POST /v1/facts body.
const maxFactsBody = 64 << 20

// Interfaces for dependencies to enable mocking

type AnalyzerInterface interface {
	Query(ctx context.Context, text string, params map[string]any) (*cypher.Result, error)
	ApplyConcept(ctx context.Context, id string) (*engine.Result, error)
	ValidateConstraint(ctx context.Context, id string) (*engine.Result, error)
	Analyze(ctx context.Context, ids ...string) (*engine.Report, error)
	Ingest(ctx context.Context, facts []scan.Fact) (scan.Stats, error)
	Rules() *rules.Registry
	Graph() *graph.Store
}

// Server encapsulates the HTTP API server
type Server struct {
	analyzer AnalyzerInterface
	sink     store.Sink
	server   *http.Server
	logger   *slog.Logger

	// queryTimeout bounds every statement and analysis; zero means none.
	queryTimeout time.Duration
	// tokenHash is the SHA-256 of the bearer token required for writes.
	tokenHash string

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string
}

// NewServer creates a new API server instance. sink may be nil, in which
// case the run history endpoints answer 503.
func NewServer(a AnalyzerInterface, sink store.Sink, addr string) *Server {
	mux := http.NewServeMux()

	s := &Server{
		analyzer: a,
		sink:     sink,
		logger:   slog.Default().With("component", "api"),
	}

	// Register routes
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/query", s.withAuth(s.handleQuery))
	mux.HandleFunc("/v1/concepts/", s.withAuth(s.handleConcept))
	mux.HandleFunc("/v1/constraints/", s.withAuth(s.handleConstraint))
	mux.HandleFunc("/v1/analyze", s.withAuth(s.handleAnalyze))
	mux.HandleFunc("/v1/facts", s.withAuth(s.handleFacts))
	mux.HandleFunc("/v1/rules", s.handleRules)
	mux.HandleFunc("/v1/rules/", s.handleRules)
	mux.HandleFunc("/v1/graph", s.handleGraph)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRuns)
	mux.HandleFunc("/v1/reports", s.handleReports)

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := s.withLogging(s.withRecovery(withSecureHeaders(mux)))

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetLogger sets the logger for request and error logging
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l.With("component", "api")
}

// SetTLS configures the server to use TLS
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// SetAuthToken requires "Authorization: Bearer <token>" on every endpoint
// that evaluates rules or changes the graph. An empty token disables auth.
func (s *Server) SetAuthToken(token string) {
	if token == "" {
		s.tokenHash = ""
		return
	}
	s.tokenHash = hashToken(token)
}

// SetQueryTimeout bounds the time spent on a single request's evaluation.
func (s *Server) SetQueryTimeout(d time.Duration) {
	s.queryTimeout = d
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		s.logger.Info("server_starting_tls", "addr", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
	} else {
		s.logger.Info("server_starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("server_stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) evalContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(r.Context(), s.queryTimeout)
	}
	return context.WithCancel(r.Context())
}

// handleQuery runs an ad-hoc statement.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, `{"error":"missing_query"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := s.evalContext(r)
	defer cancel()
	res, err := s.analyzer.Query(ctx, req.Query, normalizeParams(req.Params))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, QueryResponse{Columns: res.Columns, Rows: res.Rows, Stats: res.Stats})
}

// handleConcept serves POST /v1/concepts/{id}/apply.
func (s *Server) handleConcept(w http.ResponseWriter, r *http.Request) {
	s.handleRule(w, r, "/v1/concepts/", "/apply", s.analyzer.ApplyConcept)
}

// handleConstraint serves POST /v1/constraints/{id}/validate.
func (s *Server) handleConstraint(w http.ResponseWriter, r *http.Request) {
	s.handleRule(w, r, "/v1/constraints/", "/validate", s.analyzer.ValidateConstraint)
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request, prefix, action string, eval func(context.Context, string) (*engine.Result, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	// Extract ID from path
	path := strings.TrimPrefix(r.URL.Path, prefix)
	id, ok := strings.CutSuffix(path, action)
	if !ok || id == "" || strings.Contains(id, "/") {
		http.Error(w, `{"error":"invalid_rule_path"}`, http.StatusNotFound)
		return
	}

	ctx, cancel := s.evalContext(r)
	defer cancel()
	res, err := eval(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, newRuleResultResponse(res))
}

// handleAnalyze evaluates rules and returns the report.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req AnalyzeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, `{"error":"invalid_json_body"}`, http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := s.evalContext(r)
	defer cancel()
	report, err := s.analyzer.Analyze(ctx, req.Rules...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, NewReportResponse(report))
}

// handleFacts ingests a JSON Lines fact stream.
func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	facts, err := scan.ReadAll(http.MaxBytesReader(w, r.Body, maxFactsBody))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	st, err := s.analyzer.Ingest(r.Context(), facts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, IngestResponse{Nodes: st.Nodes, Relationships: st.Relationships})
}

// handleRules lists the loaded rules, or returns one rule with the rules
// it requires in evaluation order.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	reg := s.analyzer.Rules()
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/rules"), "/")
	if id == "" {
		var list []*rules.Rule
		switch kind := r.URL.Query().Get("kind"); kind {
		case "":
			list = reg.List()
		case string(rules.KindConcept):
			list = reg.Concepts()
		case string(rules.KindConstraint):
			list = reg.Constraints()
		default:
			http.Error(w, `{"error":"invalid_kind","valid":["concept","constraint"]}`, http.StatusBadRequest)
			return
		}
		if g := r.URL.Query().Get("group"); g != "" {
			list = filterGroup(list, g)
		}
		out := make([]RuleInfo, 0, len(list))
		for _, rule := range list {
			out = append(out, newRuleInfo(rule))
		}
		s.writeJSON(w, r, http.StatusOK, out)
		return
	}

	chain, err := reg.Resolve(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]RuleInfo, 0, len(chain))
	for _, rule := range chain {
		out = append(out, newRuleInfo(rule))
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"rule":    out[len(out)-1],
		"ordered": out,
	})
}

func filterGroup(list []*rules.Rule, group string) []*rules.Rule {
	var out []*rules.Rule
	for _, r := range list {
		if r.Group() == group {
			out = append(out, r)
		}
	}
	return out
}

// handleGraph returns a summary of the committed graph.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	g := s.analyzer.Graph()
	if g == nil {
		http.Error(w, `{"error":"graph_not_available"}`, http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, r, http.StatusOK, g.Stats())
}

// handleRuns returns recent runs, or one run with its results.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.sink == nil {
		http.Error(w, `{"error":"run_history_not_configured"}`, http.StatusServiceUnavailable)
		return
	}

	if id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs"), "/"); id != "" {
		run, err := s.sink.GetRun(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, run)
		return
	}

	// Parse limit query param
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	runs, err := s.sink.LatestRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	s.writeJSON(w, r, http.StatusOK, runs)
}

// handleReports generates and streams reports.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if s.sink == nil {
		http.Error(w, `{"error":"run_history_not_configured"}`, http.StatusServiceUnavailable)
		return
	}

	// Parse parameters
	q := r.URL.Query()
	reportType := reports.ReportType(q.Get("type"))
	if reportType == "" {
		reportType = reports.ReportTypeViolations
	}
	format := reports.ReportFormat(q.Get("format"))
	if format == "" {
		format = reports.ReportFormatCSV
	}
	if format != reports.ReportFormatCSV && format != reports.ReportFormatJSON {
		http.Error(w, `{"error":"invalid_format","valid":["csv","json"]}`, http.StatusBadRequest)
		return
	}

	params := reports.ReportParams{
		Format:  format,
		Filters: make(map[string]interface{}),
	}
	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"from", &params.Start}, {"to", &params.End}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"invalid_%s","format":"RFC3339"}`, bound.name), http.StatusBadRequest)
			return
		}
		*bound.dst = t
	}
	if !params.Start.IsZero() && !params.End.IsZero() && params.End.Before(params.Start) {
		http.Error(w, `{"error":"to_before_from"}`, http.StatusBadRequest)
		return
	}

	// Pass through filters
	if id := q.Get("run_id"); id != "" {
		params.Filters["run_id"] = id
	}
	if rule := q.Get("rule"); rule != "" {
		params.Filters["rule"] = rule
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		params.Filters["limit"] = l
	}

	// Create generator
	gen, err := reports.NewReportGenerator(reportType, s.sink)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_report_type", err.Error())
		return
	}

	// Generate
	reader, err := gen.Generate(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Set headers
	w.Header().Set("Content-Type", reports.ContentType(format))
	filename := fmt.Sprintf("report_%s_%d.%s", reportType, time.Now().Unix(), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	// Stream response
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Error("failed_to_stream_report", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

// handleHealth returns simple status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]interface{}{"status": "ok"}
	if s.analyzer != nil {
		resp["rules"] = s.analyzer.Rules().Len()
		if g := s.analyzer.Graph(); g != nil {
			resp["graph_version"] = g.Stats().Version
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		factErr     *scan.FactError
		conflictErr *merge.ConflictError
		evalErr     *engine.EvaluationError
		maxBytesErr *http.MaxBytesError
		ioErr       *store.IOError
	)
	status, code := http.StatusInternalServerError, "internal_server_error"
	switch {
	case pattern.IsSyntaxError(err):
		status, code = http.StatusBadRequest, "syntax_error"
	case errors.As(err, &factErr):
		status, code = http.StatusBadRequest, "invalid_facts"
	case errors.As(err, &maxBytesErr):
		status, code = http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, engine.ErrRuleNotFound), errors.Is(err, rules.ErrUnknownRule):
		status, code = http.StatusNotFound, "rule_not_found"
	case errors.Is(err, store.ErrRunNotFound):
		status, code = http.StatusNotFound, "run_not_found"
	case errors.Is(err, engine.ErrWrongKind):
		status, code = http.StatusBadRequest, "wrong_rule_kind"
	case errors.Is(err, engine.ErrRequirementFailed):
		status, code = http.StatusFailedDependency, "requirement_failed"
	case errors.Is(err, pattern.ErrMissingParameter):
		status, code = http.StatusBadRequest, "missing_parameter"
	case errors.Is(err, graph.ErrWriteConflict):
		status, code = http.StatusConflict, "write_conflict"
	case errors.As(err, &conflictErr):
		status, code = http.StatusUnprocessableEntity, "merge_conflict"
	case errors.As(err, &evalErr), errors.Is(err, pattern.ErrType), errors.Is(err, graph.ErrInvalidValue):
		status, code = http.StatusUnprocessableEntity, "evaluation_failed"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &ioErr):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "trace_id", getTraceID(r.Context()), "path", r.URL.Path, "error", err)
		writeJSONError(w, status, code, "")
		return
	}
	writeJSONError(w, status, code, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, code, details string) {
	body := map[string]string{"error": code}
	if details != "" {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed_to_encode_response", "trace_id", getTraceID(r.Context()), "error", err)
	}
}

// normalizeParams converts JSON numbers to int64 when they hold an
// integer and to float64 otherwise, so that {"n": 1} compares equal to the
// literal 1 and large integers keep every digit.
func normalizeParams(params map[string]interface{}) map[string]any {
	for k, v := range params {
		params[k] = normalizeParam(v)
	}
	return params
}

func normalizeParam(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []interface{}:
		for i, it := range x {
			x[i] = normalizeParam(it)
		}
	case map[string]interface{}:
		for k, it := range x {
			x[k] = normalizeParam(it)
		}
	}
	return v
}

// Middleware: Auth
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error":"unauthorized","reason":"missing_token"}`, http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, `{"error":"unauthorized","reason":"invalid_token_format"}`, http.StatusUnauthorized)
			return
		}

		hash := hashToken(parts[1])
		if subtle.ConstantTimeCompare([]byte(hash), []byte(s.tokenHash)) != 1 {
			http.Error(w, `{"error":"unauthorized","reason":"invalid_token"}`, http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic_recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 1. Extract or Generate Trace ID
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		// 2. Inject into Context
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		// 3. Set response header
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info("http_request",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:;")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-XSS-Protection", "1; mode=block")

		next.ServeHTTP(w, r)
	})
}
