package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

func serve(handler gin.HandlerFunc) (*httptest.ResponseRecorder, response.Response) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/x", func(c *gin.Context) {
		c.Set(contextkey.TraceID.String(), "trace-9")
		handler(c)
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	var body response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		handler gin.HandlerFunc
		status  int
		code    errors.ErrorCode
	}{
		{"accepted", func(c *gin.Context) { response.Accepted(c, gin.H{"id": "s1"}) }, http.StatusAccepted, errors.Success},
		{"not found", func(c *gin.Context) { response.Error(c, errors.New(errors.SubmissionNotFound)) }, http.StatusNotFound, errors.SubmissionNotFound},
		{"finalized", func(c *gin.Context) { response.Error(c, errors.New(errors.SubmissionFinalized)) }, http.StatusConflict, errors.SubmissionFinalized},
		{"bad request", func(c *gin.Context) { response.BadRequest(c, "") }, http.StatusBadRequest, errors.InvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(tt.handler)
			if w.Code != tt.status || body.Code != tt.code {
				t.Fatalf("expected %d/%d, got %d/%d", tt.status, tt.code, w.Code, body.Code)
			}
			if body.TraceID != "trace-9" {
				t.Fatalf("expected trace id in envelope, got %q", body.TraceID)
			}
		})
	}
}
