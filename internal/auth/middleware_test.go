package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func adminContext(secretHeader string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/v1/wallets/0xabc/score/refresh", nil)
	if secretHeader != "" {
		c.Request.Header.Set(HeaderAdminSecret, secretHeader)
	}
	return c, w
}

func TestRequireAdmin_CorrectSecret(t *testing.T) {
	c, _ := adminContext("supersecret123")

	RequireAdmin("supersecret123")(c)

	if c.IsAborted() {
		t.Error("Expected correct admin secret to pass")
	}
	if !IsAdmin(c) {
		t.Error("Expected request to be marked admin")
	}
}

func TestRequireAdmin_WrongSecret(t *testing.T) {
	c, w := adminContext("wrongsecret")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for wrong secret, got %d", w.Code)
	}
	if IsAdmin(c) {
		t.Error("rejected request must not be marked admin")
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	c, w := adminContext("")

	RequireAdmin("supersecret123")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for missing header, got %d", w.Code)
	}
}

func TestRequireAdmin_NoSecretConfigured(t *testing.T) {
	c, w := adminContext("anything")

	RequireAdmin("")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 when admin is disabled, got %d", w.Code)
	}
	if !c.IsAborted() {
		t.Error("Expected request to be aborted")
	}
}

func TestRequireAdmin_InRouter(t *testing.T) {
	r := gin.New()
	admin := r.Group("/v1", RequireAdmin("s3cret"))
	admin.POST("/refresh", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest("POST", "/v1/refresh", nil)
	req.Header.Set(HeaderAdminSecret, "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
}
