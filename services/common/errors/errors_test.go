package errors_test

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stellardevsa/marketplace/services/common/errors"
)

func TestWrap_DoesNotMutateBase(t *testing.T) {
	cause := stderrors.New("boom")
	wrapped := apperrors.Wrap(apperrors.ErrInternalServer, cause)

	assert.ErrorIs(t, wrapped, cause)
	assert.Nil(t, apperrors.ErrInternalServer.Err)
}

func TestErrorMiddleware_RendersAppError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(apperrors.ErrorMiddleware())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(apperrors.New(http.StatusConflict, "A checkout is already in progress.", nil).WithKind("CheckoutInProgress"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "A checkout is already in progress.", body["error"])
	assert.Equal(t, "CheckoutInProgress", body["kind"])
}

func TestErrorMiddleware_UnknownErrorIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(apperrors.ErrorMiddleware())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(stderrors.New("redis down"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "redis down")
}
