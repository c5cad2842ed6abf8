package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgo/kiwi/internal/eino/streaming"
	"github.com/tgo/kiwi/internal/eino/usage"
	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/rag/retrieval"
	"github.com/tgo/kiwi/internal/rag/vectorstore"
	"github.com/tgo/kiwi/internal/service"
)

type fakeDocs struct {
	uploaded service.UploadRequest
	body     string
	err      error
	doc      *model.Document
	content  string
}

func (f *fakeDocs) Upload(ctx context.Context, req service.UploadRequest) (*model.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw, _ := io.ReadAll(req.Reader)
	f.uploaded, f.body = req, string(raw)
	doc := &model.Document{EntityType: req.Scope.EntityType, EntityID: req.Scope.EntityID, Name: "doc", Status: model.DocumentStatusPending}
	doc.ID = uuid.New()
	return doc, nil
}

func (f *fakeDocs) List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.Document, int64, error) {
	return []model.Document{*f.doc}, 1, f.err
}

func (f *fakeDocs) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeDocs) GetContent(ctx context.Context, id uuid.UUID) (string, error) {
	return f.content, f.err
}

func (f *fakeDocs) Reprocess(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeDocs) Delete(ctx context.Context, id uuid.UUID) error { return f.err }

type fakeSearch struct {
	req  service.SearchRequest
	hits []retrieval.Hit
}

func (f *fakeSearch) Search(ctx context.Context, req service.SearchRequest) ([]retrieval.Hit, error) {
	f.req = req
	return f.hits, nil
}

type fakeMessages struct {
	sendReq service.SendRequest
	err     error
	events  []streaming.Event
	fb      *model.Feedback
}

func (f *fakeMessages) Send(ctx context.Context, req service.SendRequest) (*service.SendResult, error) {
	f.sendReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.SendResult{AssistantMessage: &model.Message{Role: model.RoleAssistant, Content: "hi"}, Sources: []retrieval.Hit{}}, nil
}

func (f *fakeMessages) Stream(ctx context.Context, req service.SendRequest) (<-chan streaming.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan streaming.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeMessages) Edit(ctx context.Context, id uuid.UUID, content string) (*model.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Message{Role: model.RoleUser, Content: content}, nil
}

func (f *fakeMessages) Feedback(ctx context.Context, id uuid.UUID, fb *model.Feedback) (*model.Message, error) {
	f.fb = fb
	if f.err != nil {
		return nil, f.err
	}
	return &model.Message{Role: model.RoleAssistant, Feedback: fb}, nil
}

func (f *fakeMessages) History(ctx context.Context, id uuid.UUID) ([]model.Message, error) {
	return []model.Message{{Role: model.RoleUser, Content: "q"}}, f.err
}

type fakeVector struct{}

func (fakeVector) Status(ctx context.Context) (*vectorstore.Status, error) {
	return &vectorstore.Status{NativeState: "unsupported", ChunkCount: 7}, nil
}

type fakeUsage struct{}

func (fakeUsage) GetDailySummary(ctx context.Context) (*usage.UsageSummary, error) {
	return &usage.UsageSummary{TotalRequests: 4, FailedRequests: 1, TotalTokens: 320}, nil
}

type routerEnv struct {
	router *gin.Engine
	docs   *fakeDocs
	search *fakeSearch
	msgs   *fakeMessages
}

func newRouter(probes ...Probe) *routerEnv {
	gin.SetMode(gin.TestMode)
	doc := &model.Document{Name: "report", Status: model.DocumentStatusCompleted}
	doc.ID = uuid.New()
	env := &routerEnv{
		docs:   &fakeDocs{doc: doc, content: "extracted text"},
		search: &fakeSearch{hits: []retrieval.Hit{{DocumentName: "report", Snippet: "match", Score: 0.8}}},
		msgs:   &fakeMessages{},
	}
	env.router = SetupRouter("test", &Handlers{
		Document: NewDocumentHandler(env.docs, env.search),
		Message:  NewMessageHandler(env.msgs),
		Vector:   fakeVector{},
		Usage:    fakeUsage{},
		Probes:   probes,
	}, nil)
	return env
}

func (e *routerEnv) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *routerEnv) doJSON(method, path string, payload interface{}) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(payload)
	return e.do(method, path, bytes.NewReader(raw), "application/json")
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealthEndpoints(t *testing.T) {
	env := newRouter(Probe{Name: "database", Check: func(ctx context.Context) error { return nil }})
	for _, path := range []string{"/health", "/ready", "/live"} {
		w := env.do(http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.NotEmpty(t, env.do(http.MethodGet, "/health", nil, "").Header().Get("X-Request-ID"))

	down := newRouter(Probe{Name: "redis", Check: func(ctx context.Context) error { return errors.New("connection refused") }})
	w := down.do(http.MethodGet, "/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestUploadDocument(t *testing.T) {
	env := newRouter()
	entityID := uuid.New()
	body, ct := multipartBody(t, "notes.txt", "hello upload")

	w := env.do(http.MethodPost, "/v1/entities/chat/"+entityID.String()+"/documents", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "notes.txt", env.docs.uploaded.Filename)
	assert.Equal(t, model.EntityTypeChat, env.docs.uploaded.Scope.EntityType)
	assert.Equal(t, entityID, env.docs.uploaded.Scope.EntityID)
	assert.Equal(t, "hello upload", env.docs.body)

	var doc model.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, model.DocumentStatusPending, doc.Status)
}

func TestUploadRejections(t *testing.T) {
	entityID := uuid.New().String()
	cases := []struct {
		name   string
		path   string
		err    error
		status int
		code   string
	}{
		{"bad entity type", "/v1/entities/team/" + entityID + "/documents", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad entity id", "/v1/entities/chat/nope/documents", nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"extension", "/v1/entities/chat/" + entityID + "/documents", fmt.Errorf("%w: \"exe\"", service.ErrUnsupportedExtension), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"too large", "/v1/entities/chat/" + entityID + "/documents", service.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
		{"quota", "/v1/entities/agent/" + entityID + "/documents", service.ErrQuotaExceeded, http.StatusConflict, "QUOTA_EXCEEDED"},
		{"internal", "/v1/entities/agent/" + entityID + "/documents", errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newRouter()
			env.docs.err = tc.err
			body, ct := multipartBody(t, "a.txt", "x")
			w := env.do(http.MethodPost, tc.path, body, ct)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, errorCode(t, w))
		})
	}

	env := newRouter()
	w := env.do(http.MethodPost, "/v1/entities/chat/"+entityID+"/documents", strings.NewReader("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentRoutes(t *testing.T) {
	env := newRouter()
	id := env.docs.doc.ID.String()

	w := env.do(http.MethodGet, "/v1/entities/agent/"+uuid.NewString()+"/documents?limit=5", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = env.do(http.MethodGet, "/v1/documents/"+id, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/documents/"+id+"/content", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "extracted text")

	w = env.do(http.MethodPost, "/v1/documents/"+id+"/reprocess", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(http.MethodDelete, "/v1/documents/"+id, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/v1/documents/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.docs.err = service.ErrDocumentNotFound
	w = env.do(http.MethodGet, "/v1/documents/"+id, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "DOCUMENT_NOT_FOUND", errorCode(t, w))

	env.docs.err = service.ErrDocumentBusy
	w = env.do(http.MethodPost, "/v1/documents/"+id+"/reprocess", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	env.docs.err = service.ErrContentNotReady
	w = env.do(http.MethodGet, "/v1/documents/"+id+"/content", nil, "")
	assert.Equal(t, "CONTENT_NOT_READY", errorCode(t, w))
}

func TestSearchDocuments(t *testing.T) {
	env := newRouter()
	agentID := uuid.New()
	minScore := 0.4

	w := env.doJSON(http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"query":     "quarterly revenue",
		"scopes":    []map[string]string{{"entity_type": "agent", "entity_id": agentID.String()}},
		"top_k":     3,
		"min_score": minScore,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "quarterly revenue", env.search.req.Query)
	assert.Equal(t, 3, env.search.req.TopK)
	require.NotNil(t, env.search.req.MinScore)
	assert.Equal(t, minScore, *env.search.req.MinScore)
	require.Len(t, env.search.req.Scopes, 1)
	assert.Equal(t, agentID, env.search.req.Scopes[0].EntityID)

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "match", resp.Hits[0].Snippet)

	w = env.doJSON(http.MethodPost, "/v1/documents/search", map[string]interface{}{"query": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.doJSON(http.MethodPost, "/v1/documents/search", map[string]interface{}{
		"query":  "x",
		"scopes": []map[string]string{{"entity_type": "team", "entity_id": agentID.String()}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage(t *testing.T) {
	env := newRouter()
	convID := uuid.New()

	w := env.doJSON(http.MethodPost, "/v1/conversations/"+convID.String()+"/messages", map[string]interface{}{
		"content":     "hello",
		"temperature": 0.2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, convID, env.msgs.sendReq.ConversationID)
	assert.Equal(t, "hello", env.msgs.sendReq.Content)
	require.NotNil(t, env.msgs.sendReq.Temperature)
	assert.InDelta(t, 0.2, *env.msgs.sendReq.Temperature, 1e-6)

	w = env.doJSON(http.MethodPost, "/v1/conversations/"+convID.String()+"/messages", map[string]interface{}{"temperature": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.msgs.err = service.ErrAlreadyGenerating
	w = env.doJSON(http.MethodPost, "/v1/conversations/"+convID.String()+"/messages", map[string]interface{}{"content": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_generating", errorCode(t, w))

	env.msgs.err = service.ErrConversationNotFound
	w = env.doJSON(http.MethodPost, "/v1/conversations/"+convID.String()+"/messages", map[string]interface{}{"content": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamMessage(t *testing.T) {
	env := newRouter()
	msgID := uuid.New()
	env.msgs.events = []streaming.Event{
		streaming.NewStartEvent(nil),
		streaming.NewContentEvent("Hel"),
		streaming.NewContentEvent("lo"),
		streaming.NewDoneEvent(msgID),
	}

	w := env.doJSON(http.MethodPost, "/v1/conversations/"+uuid.NewString()+"/messages/stream", map[string]interface{}{"content": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var names []string
	var datas []string
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			names = append(names, name)
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			datas = append(datas, data)
		}
	}
	assert.Equal(t, []string{"start", "content", "content", "done"}, names)
	require.Len(t, datas, 4)
	assert.Contains(t, datas[3], msgID.String())

	env.msgs.err = service.ErrAlreadyGenerating
	w = env.doJSON(http.MethodPost, "/v1/conversations/"+uuid.NewString()+"/messages/stream", map[string]interface{}{"content": "hi"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotEqual(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestEditAndFeedback(t *testing.T) {
	env := newRouter()
	id := uuid.NewString()

	w := env.doJSON(http.MethodPut, "/v1/messages/"+id, map[string]string{"content": "edited"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "edited")

	w = env.doJSON(http.MethodPut, "/v1/messages/"+id, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.doJSON(http.MethodPost, "/v1/messages/"+id+"/feedback", map[string]string{"feedback": "up"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, env.msgs.fb)
	assert.Equal(t, model.FeedbackUp, *env.msgs.fb)

	w = env.doJSON(http.MethodPost, "/v1/messages/"+id+"/feedback", map[string]interface{}{"feedback": nil})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, env.msgs.fb)

	env.msgs.err = service.ErrNotAssistantMessage
	w = env.doJSON(http.MethodPost, "/v1/messages/"+id+"/feedback", map[string]string{"feedback": "down"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.msgs.err = service.ErrMessageNotFound
	w = env.doJSON(http.MethodPut, "/v1/messages/"+id, map[string]string{"content": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "MESSAGE_NOT_FOUND", errorCode(t, w))
}

func TestVectorStatusRoute(t *testing.T) {
	env := newRouter()
	w := env.do(http.MethodGet, "/v1/vector/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"chunk_count":7`)
	assert.Contains(t, w.Body.String(), `"native_state":"unsupported"`)
}

func TestDailyUsage(t *testing.T) {
	env := newRouter()

	w := env.do(http.MethodGet, "/v1/usage/daily", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_requests":4`)
	assert.Contains(t, w.Body.String(), `"failed_requests":1`)
	assert.Contains(t, w.Body.String(), `"total_tokens":320`)

	bare := SetupRouter("test", &Handlers{}, nil)
	w = httptest.NewRecorder()
	bare.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/usage/daily", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
