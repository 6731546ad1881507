package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/space-intake-api/internal/dto"
	"github.com/noah-isme/space-intake-api/internal/models"
	appErrors "github.com/noah-isme/space-intake-api/pkg/errors"
)

type applicationServiceMock struct {
	app      *models.Application
	reported string
	err      error
	invoice  string
	invErr   error
	received []dto.Submission
}

func (m *applicationServiceMock) Create(ctx context.Context, sub dto.Submission) (*models.Application, string, error) {
	m.received = append(m.received, sub)
	return m.app, m.reported, m.err
}

func (m *applicationServiceMock) Invoice(ctx context.Context) (string, error) {
	return m.invoice, m.invErr
}

func newApplyContext(t *testing.T, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, err := http.NewRequest(http.MethodPost, "/apply", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestApplyAccepted(t *testing.T) {
	svc := &applicationServiceMock{app: &models.Application{Schema: "chess_club"}}
	h := NewApplicationHandler(svc)
	body, _ := json.Marshal(dto.Submission{Name: "Chess Club", Schema: "chess_club"})
	c, w := newApplyContext(t, body)

	h.Apply(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp["error"])
	assert.Equal(t, "chess_club", resp["schema"])
	require.Len(t, svc.received, 1)
	assert.Equal(t, "chess_club", svc.received[0].Schema)
}

func TestApplyRefused(t *testing.T) {
	svc := &applicationServiceMock{reported: "payment required"}
	h := NewApplicationHandler(svc)
	body, _ := json.Marshal(dto.Submission{Name: "Chess Club", Schema: "chess_club"})
	c, w := newApplyContext(t, body)

	h.Apply(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "payment required", resp["error"])
}

func TestApplyMalformedBody(t *testing.T) {
	svc := &applicationServiceMock{}
	h := NewApplicationHandler(svc)
	c, w := newApplyContext(t, []byte(`{not json`))

	h.Apply(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.received)
}

func TestApplyInternalError(t *testing.T) {
	svc := &applicationServiceMock{err: appErrors.Wrap(errors.New("connection refused"), "INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")}
	h := NewApplicationHandler(svc)
	body, _ := json.Marshal(dto.Submission{Name: "Chess Club", Schema: "chess_club"})
	c, w := newApplyContext(t, body)

	h.Apply(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestInvoiceFreeDeployment(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewApplicationHandler(&applicationServiceMock{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/invoice", nil)

	h.Invoice(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"invoice":null`)
}

func TestInvoiceReturned(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewApplicationHandler(&applicationServiceMock{invoice: "lnbc21u1..."})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/invoice", nil)

	h.Invoice(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lnbc21u1...")
}

func TestInvoiceUnconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewApplicationHandler(&applicationServiceMock{invErr: appErrors.ErrUnconfigured})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/invoice", nil)

	h.Invoice(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
