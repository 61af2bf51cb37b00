package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/mocks"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCredential_Precedence(t *testing.T) {
	req := require.New(t)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/r/lobby?token=from-query", nil)
	c.Request.Header.Set("Authorization", "Bearer from-header")
	req.Equal("from-header", Credential(c))

	c.Request.Header.Del("Authorization")
	req.Equal("from-query", Credential(c))

	c.Request = httptest.NewRequest(http.MethodGet, "/r/lobby", nil)
	req.Empty(Credential(c))
	// no session middleware installed
	req.NoError(Remember(c, "tok"))
}

func TestRequired(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	mockResolver := mocks.NewMockIdentityResolver(ctrl)
	alice := domain.PublicUser{ID: "u1", Username: "alice", Tier: domain.TierGuest}

	mockResolver.EXPECT().ResolveIdentity(gomock.Any(), "good").Return(alice, nil).Times(1)
	mockResolver.EXPECT().ResolveIdentity(gomock.Any(), "").Return(domain.PublicUser{}, domain.ErrUnauthenticated).Times(1)

	r := gin.New()
	r.GET("/me", Required(mockResolver), func(c *gin.Context) {
		u, ok := CurrentUser(c)
		req.True(ok)
		c.JSON(http.StatusOK, u)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token=good", nil))
	req.Equal(http.StatusOK, w.Code)
	var got domain.PublicUser
	req.NoError(json.Unmarshal(w.Body.Bytes(), &got))
	req.Equal(alice, got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	req.Equal(http.StatusUnauthorized, w.Code)
	req.JSONEq(`{"error":"unauthenticated"}`, w.Body.String())
}

func TestRequiredWithIssuer(t *testing.T) {
	req := require.New(t)
	issuer, err := NewJWTIssuer("s3cret", time.Hour)
	req.NoError(err)
	token, _, err := issuer.IssueGuest("alice")
	req.NoError(err)

	r := gin.New()
	r.GET("/me", Required(issuer), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	httpReq := httptest.NewRequest(http.MethodGet, "/me", nil)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	req.Equal(http.StatusNoContent, w.Code)
}
