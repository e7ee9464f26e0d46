package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"call-bridge/internal/auth"
)

func serveWithRole(role string) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		if role != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u", role))
		}
		c.Next()
	}, RequireAnyRole(RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	tests := []struct {
		name string
		role string
		want int
	}{
		{name: "admin bypasses", role: RoleAdmin, want: http.StatusOK},
		{name: "allowed role", role: RoleOperator, want: http.StatusOK},
		{name: "viewer denied", role: RoleViewer, want: http.StatusForbidden},
		{name: "unknown role denied", role: "super_admin", want: http.StatusForbidden},
		{name: "role required", role: "", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serveWithRole(tt.role))
		})
	}
}
