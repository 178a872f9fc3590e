package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/engine"
	"escrowflow/internal/model"
	"escrowflow/internal/projection"
	"escrowflow/internal/service/milestone"
	"escrowflow/internal/service/project"
	"escrowflow/internal/testutil"
	"escrowflow/internal/util"
	"escrowflow/pkg/config"
)

const secret = "test-secret"

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Storage.Root = t.TempDir()
	cfg.JWT.Secret = secret
	e, err := engine.New(context.Background(), &cfg, zap.NewNop(), engine.Options{
		Payments: testutil.NewFakePayments(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &apiClient{t: t, handler: e.Router().Engine}
}

func token(t *testing.T, actor model.Actor) string {
	t.Helper()
	tok, err := util.GenerateJWT(actor, secret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *apiClient) do(actor *model.Actor, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	a.t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+token(a.t, *actor))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *apiClient) json(actor model.Actor, method, path string, in any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if in != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(in))
	}
	return a.do(&actor, method, path, &buf, "application/json")
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHealthEndpoints(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusOK, a.do(nil, http.MethodGet, "/healthz", nil, "").Code)
	assert.Equal(t, http.StatusOK, a.do(nil, http.MethodHead, "/healthz", nil, "").Code)
	assert.Equal(t, http.StatusOK, a.do(nil, http.MethodGet, "/readyz", nil, "").Code)
	assert.Equal(t, http.StatusOK, a.do(nil, http.MethodGet, "/metrics", nil, "").Code)
}

func TestAuthRequired(t *testing.T) {
	a := newAPI(t)
	rec := a.do(nil, http.MethodGet, "/milestones/x", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "E_UNAUTHENTICATED", errorCode(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/milestones/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad := httptest.NewRecorder()
	a.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
}

func createProject(t *testing.T, a *apiClient) []*model.Milestone {
	t.Helper()
	rec := a.json(testutil.Company, http.MethodPost, "/projects", project.CreateProjectInput{
		Title:       "Data pipeline",
		Currency:    "USD",
		TotalBudget: 300000,
		Milestones: []project.MilestoneInput{
			{Title: "Ingest", Budget: 100000, Deliverables: []string{"Design doc", "Code"}},
			{Title: "Report", Budget: 200000, Deliverables: []string{"report"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Project    model.Project      `json:"project"`
		Milestones []*model.Milestone `json:"milestones"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Milestones, 2)
	return out.Milestones
}

func TestProjectEndpoints(t *testing.T) {
	a := newAPI(t)

	rec := a.json(testutil.Employee, http.MethodPost, "/projects", project.CreateProjectInput{Title: "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.json(testutil.Company, http.MethodPost, "/projects", project.CreateProjectInput{
		Title:       "Mismatch",
		TotalBudget: 1,
		Milestones:  []project.MilestoneInput{{Title: "a", Budget: 100, Deliverables: []string{"x"}}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "E_BUDGET_MISMATCH", errorCode(t, rec))

	ms := createProject(t, a)
	projectID := ms[0].ProjectID

	rec = a.json(testutil.Client, http.MethodGet, "/projects/"+projectID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum project.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, model.Money(300000), sum.Remaining)

	rec = a.json(testutil.Client, http.MethodGet, "/projects/"+projectID+"/milestones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Milestones []projection.View `json:"milestones"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Milestones, 2)
	assert.Equal(t, projection.ClientPending, list.Milestones[0].Status)

	rec = a.json(testutil.Company, http.MethodPost, "/projects/"+projectID+"/amend", project.AmendInput{
		AddMilestones:  []project.MilestoneInput{{Title: "Extra", Budget: 50000, Deliverables: []string{"slides"}}},
		NewTotalBudget: 350000,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.json(testutil.Company, http.MethodGet, "/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func multipartBody(t *testing.T, files map[string]string, notes string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for label, content := range files {
		fw, err := w.CreateFormFile("files", label+".txt")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, w.WriteField("labels", label))
	}
	require.NoError(t, w.WriteField("notes", notes))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestMilestoneSubmitAndRead(t *testing.T) {
	a := newAPI(t)
	ms := createProject(t, a)
	m := ms[0]
	employee := testutil.Employee

	body, ct := multipartBody(t, map[string]string{"Design doc": "design"}, "first try")
	rec := a.do(&employee, http.MethodPost, "/milestones/"+m.ID+"/submit", body, ct)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "E_INCOMPLETE_SUBMISSION", errorCode(t, rec))

	body, ct = multipartBody(t, map[string]string{"design DOC": "design", "code": "package main"}, "second try")
	rec = a.do(&employee, http.MethodPost, "/milestones/"+m.ID+"/submit", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var view projection.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending review", view.Status)
	assert.Equal(t, 1, view.SubmissionVersion)

	company := testutil.Company
	rec = a.do(&company, http.MethodPost, "/milestones/"+m.ID+"/submit", nil, "application/json")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.json(testutil.Client, http.MethodGet, "/milestones/"+m.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var clientView map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clientView))
	assert.Equal(t, projection.ClientInReview, clientView["status"])
	assert.NotContains(t, clientView, "score")
	assert.NotContains(t, clientView, "retry_count")

	rec = a.json(testutil.Company, http.MethodGet, "/milestones/"+m.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trail milestone.Trail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trail))
	assert.Equal(t, []model.AuditEventType{model.EventSubmitted, model.EventVerificationStarted}, testutil.EventTypes(trail.Events))

	rec = a.json(testutil.Client, http.MethodGet, "/milestones/"+m.ID+"/audit", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.json(testutil.Company, http.MethodPost, "/milestones/"+m.ID+"/force-release", map[string]string{"note": "early"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "E_INVALID_TRANSITION", errorCode(t, rec))

	rec = a.json(testutil.Company, http.MethodPost, "/milestones/"+m.ID+"/force-reject", map[string]string{"reason": "redo"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.json(testutil.Company, http.MethodPost, "/milestones/"+m.ID+"/clear-hold", map[string]string{"note": "n"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.json(testutil.Employee, http.MethodGet, "/milestones/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperatorActions_EmptyBody(t *testing.T) {
	a := newAPI(t)
	ms := createProject(t, a)
	company := testutil.Company

	for _, path := range []string{"/force-release", "/clear-hold"} {
		rec := a.do(&company, http.MethodPost, "/milestones/"+ms[0].ID+path, nil, "application/json")
		assert.Equal(t, http.StatusConflict, rec.Code, path)
		assert.Equal(t, "E_INVALID_TRANSITION", errorCode(t, rec), path)
	}

	// 空请求体不是格式错误，缺 reason 由业务校验拒绝
	rec := a.do(&company, http.MethodPost, "/milestones/"+ms[0].ID+"/force-reject", nil, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reason is required")

	rec = a.do(&company, http.MethodPost, "/milestones/"+ms[0].ID+"/force-release", bytes.NewBufferString("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request")
}

func TestMilestoneSubmit_JSONBody(t *testing.T) {
	a := newAPI(t)
	ms := createProject(t, a)
	m := ms[1]

	rec := a.json(testutil.Employee, http.MethodPost, "/milestones/"+m.ID+"/submit", map[string]any{
		"files": testutil.FilesFor(m.Deliverables, "x"),
		"notes": "stored upstream",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = a.json(testutil.Employee, http.MethodPost, "/milestones/"+m.ID+"/submit", map[string]any{
		"files": testutil.FilesFor(m.Deliverables, "x"),
		"notes": "stored upstream",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "E_SUBMISSION_IN_FLIGHT", errorCode(t, rec))
}
