package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fabfab/kbrag/internal/apperr"
	"github.com/fabfab/kbrag/internal/chat"
	"github.com/fabfab/kbrag/internal/coordinator"
	"github.com/fabfab/kbrag/internal/documents"
	"github.com/fabfab/kbrag/internal/domain"
	"github.com/fabfab/kbrag/internal/embedder"
	"github.com/fabfab/kbrag/internal/indexer"
	"github.com/fabfab/kbrag/internal/pipeline"
	"github.com/fabfab/kbrag/internal/sse"
	"github.com/fabfab/kbrag/internal/vectorstore"
)

// Server wires the HTTP API surface of spec.md §6 to the underlying
// coordinator, indexer, and chat pipeline.
type Server struct {
	router http.Handler
	log    *zap.SugaredLogger
	auth   Authenticator

	docs  documents.Repo
	store vectorstore.VectorStore
	emb   embedder.Embedder
	idx   indexer.Indexer
	coord *coordinator.Coordinator

	chats    chat.Repo
	pipeline *pipeline.Pipeline

	searchTopK int
}

// Deps bundles Server's constructor dependencies.
type Deps struct {
	Auth        Authenticator
	Docs        documents.Repo
	Store       vectorstore.VectorStore
	Embedder    embedder.Embedder
	Indexer     indexer.Indexer
	Coordinator *coordinator.Coordinator
	Chats       chat.Repo
	Pipeline    *pipeline.Pipeline
	SearchTopK  int
	Log         *zap.SugaredLogger
}

// New constructs a Server and its chi router.
func New(deps Deps) *Server {
	auth := deps.Auth
	if auth == nil {
		auth = DevAuthenticator{}
	}
	searchTopK := deps.SearchTopK
	if searchTopK <= 0 {
		searchTopK = 5
	}

	s := &Server{
		log:        deps.Log,
		auth:       auth,
		docs:       deps.Docs,
		store:      deps.Store,
		emb:        deps.Embedder,
		idx:        deps.Indexer,
		coord:      deps.Coordinator,
		chats:      deps.Chats,
		pipeline:   deps.Pipeline,
		searchTopK: searchTopK,
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	mux.Get("/api/v1/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Put("/{id}", s.handleUpdateSession)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Get("/{id}/messages", s.handleListMessages)
			r.Post("/{id}/messages", s.handleSendMessage)
		})

		r.Route("/rag", func(r chi.Router) {
			r.Post("/index", s.handleBulkIndex)
			r.Post("/reindex/document/{doc_id}", s.handleReindexDocument)
			r.Delete("/index/document/{doc_id}", s.handleDeleteDocumentIndex)
			r.Delete("/index/{kb_id}", s.handleDeleteKBIndex)
			r.Post("/search", s.handleSearch)
		})
	})

	s.router = mux
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type userIDKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.Authenticate(r)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		ctx := contextWithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- chats ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var body struct {
		Title           string  `json:"title"`
		KnowledgeBaseID *string `json:"knowledge_base_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apperr.Wrap(apperr.KindValidation, err, "decode request body"))
		return
	}

	session, err := s.chats.CreateSession(r.Context(), domain.ChatSession{
		UserID: userID,
		Title:  body.Title,
		KBID:   body.KnowledgeBaseID,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	skip, limit := pagination(r)

	sessions, err := s.chats.ListSessions(r.Context(), userID, skip, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	views := make([]any, len(sessions))
	for i, sess := range sessions {
		views[i] = sessionView(sess)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	session, err := s.chats.GetSession(r.Context(), userID, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(session))
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	existing, err := s.chats.GetSession(r.Context(), userID, id)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	var body struct {
		Title           *string `json:"title"`
		KnowledgeBaseID *string `json:"knowledge_base_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apperr.Wrap(apperr.KindValidation, err, "decode request body"))
		return
	}
	if body.Title != nil {
		existing.Title = *body.Title
	}
	if body.KnowledgeBaseID != nil {
		existing.KBID = body.KnowledgeBaseID
	}

	updated, err := s.chats.UpdateSession(r.Context(), existing)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(updated))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.chats.DeleteSession(r.Context(), userID, id); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")
	skip, limit := pagination(r)

	if _, err := s.chats.GetSession(r.Context(), userID, id); err != nil {
		writeAPIError(w, err)
		return
	}

	messages, err := s.chats.ListMessages(r.Context(), id, skip, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	id := chi.URLParam(r, "id")

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apperr.Wrap(apperr.KindValidation, err, "decode request body"))
		return
	}
	body.Content = strings.TrimSpace(body.Content)
	if body.Content == "" {
		writeAPIError(w, apperr.New(apperr.KindValidation, "content must not be empty"))
		return
	}

	writer, err := sse.New(w)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	emit := func(event pipeline.StreamEvent) error {
		return writer.Write(event)
	}

	if err := s.pipeline.Send(r.Context(), userID, id, body.Content, emit); err != nil {
		s.log.Warnw("chat pipeline send failed before streaming began", "session_id", id, "error", err)
	}
}

// --- rag ---

func (s *Server) handleBulkIndex(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var body struct {
		KBID          string `json:"kb_id"`
		MaxTokens     int    `json:"max_tokens"`
		OverlapTokens int    `json:"overlap_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apperr.Wrap(apperr.KindValidation, err, "decode request body"))
		return
	}
	if body.KBID == "" {
		writeAPIError(w, apperr.New(apperr.KindValidation, "kb_id is required"))
		return
	}

	stats := struct {
		KBID             string `json:"kb_id"`
		TotalDocuments   int    `json:"total_documents"`
		IndexedDocuments int    `json:"indexed_documents"`
		SkippedDocuments int    `json:"skipped_documents"`
		TotalChunks      int    `json:"total_chunks"`
	}{KBID: body.KBID}

	const pageSize = 50
	for skip := 0; ; skip += pageSize {
		page, err := s.docs.ListByKB(r.Context(), userID, body.KBID, skip, pageSize, nil)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if len(page) == 0 {
			break
		}

		for _, doc := range page {
			stats.TotalDocuments++
			if !doc.Kind.Indexable() {
				stats.SkippedDocuments++
				continue
			}

			chunkCount, err := s.idx.Reindex(r.Context(), userID, doc)
			if err != nil {
				s.log.Warnw("bulk index: document failed", "doc_id", doc.ID, "error", err)
				stats.SkippedDocuments++
				continue
			}
			stats.IndexedDocuments++
			stats.TotalChunks += chunkCount
		}

		if len(page) < pageSize {
			break
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReindexDocument(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	docID := chi.URLParam(r, "doc_id")

	doc, err := s.docs.Get(r.Context(), userID, docID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	chunkCount, err := s.idx.Reindex(r.Context(), userID, doc)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kb_id":             doc.KBID,
		"total_documents":   1,
		"indexed_documents": 1,
		"skipped_documents": 0,
		"total_chunks":      chunkCount,
	})
}

func (s *Server) handleDeleteDocumentIndex(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	docID := chi.URLParam(r, "doc_id")

	if err := s.coord.OnDocumentDeleted(r.Context(), userID, docID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": 1})
}

func (s *Server) handleDeleteKBIndex(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	kbID := chi.URLParam(r, "kb_id")

	deleted, err := s.store.Delete(r.Context(), domain.VectorFilter{UserID: &userID, KBID: &kbID})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var body struct {
		Query string  `json:"query"`
		KBID  *string `json:"kb_id"`
		TopK  int     `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apperr.Wrap(apperr.KindValidation, err, "decode request body"))
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeAPIError(w, apperr.New(apperr.KindValidation, "query must not be empty"))
		return
	}
	topK := body.TopK
	if topK <= 0 {
		topK = s.searchTopK
	}

	vecs, err := s.emb.Embed(r.Context(), []string{body.Query})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	hits, err := s.store.Search(r.Context(), vecs[0], topK, domain.VectorFilter{UserID: &userID, KBID: body.KBID})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	results := make([]map[string]any, len(hits))
	for i, hit := range hits {
		results[i] = map[string]any{
			"content":  hit.Record.Content,
			"source":   hit.Record.Source,
			"score":    hit.Distance,
			"metadata": hit.Record.Metadata,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   body.Query,
		"kb_id":   body.KBID,
		"total":   len(results),
		"results": results,
	})
}

// --- helpers ---

func sessionView(s domain.ChatSession) map[string]any {
	return map[string]any{
		"id":                s.ID,
		"user_id":           s.UserID,
		"title":             s.Title,
		"knowledge_base_id": s.KBID,
		"created_at":        s.CreatedAt,
		"updated_at":        s.UpdatedAt,
	}
}

func pagination(r *http.Request) (skip, limit int) {
	skip, _ = strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, apperr.HTTPStatus(kind), map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": err.Error(),
		},
	})
}
