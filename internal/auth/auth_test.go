package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789"

func TestManager_IssueAndVerify(t *testing.T) {
	m := NewManager(testSecret, time.Hour)

	token, err := m.Issue(Viewer{ID: "u_buyer", Language: "ru", Linked: []string{"discord"}})
	require.NoError(t, err)

	v, err := m.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "u_buyer", v.ID)
	assert.Equal(t, RoleUser, v.Role)
	assert.Equal(t, "ru", v.Language)
	assert.True(t, v.HasLinkedIdentity())
	assert.Equal(t, token, v.Token)
}

func TestManager_VerifyDefaults(t *testing.T) {
	m := NewManager(testSecret, time.Hour)

	token, err := m.Issue(Viewer{ID: "u_1"})
	require.NoError(t, err)

	v, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, DefaultLanguage, v.Language)
	assert.False(t, v.HasLinkedIdentity())
	assert.False(t, v.IsAdmin())
}

func TestManager_VerifyRejects(t *testing.T) {
	m := NewManager(testSecret, time.Hour)
	other := NewManager("another-secret", time.Hour)

	foreign, err := other.Issue(Viewer{ID: "u_1"})
	require.NoError(t, err)

	_, err = m.Verify("")
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = m.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_VerifyExpired(t *testing.T) {
	m := NewManager(testSecret, time.Minute)
	past := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return past }

	token, err := m.Issue(Viewer{ID: "u_1"})
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_VerifyRejectsUnknownRole(t *testing.T) {
	m := NewManager(testSecret, time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u_1",
		"role":    "superuser",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = m.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestViewer_HasLinkedIdentityIgnoresBlank(t *testing.T) {
	assert.False(t, Viewer{Linked: []string{"", "  "}}.HasLinkedIdentity())
	assert.True(t, Viewer{Linked: []string{"", "telegram"}}.HasLinkedIdentity())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithViewer(context.Background(), Viewer{ID: "u_9"})
	v, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u_9", v.ID)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(testSecret, time.Hour)
	token, err := m.Issue(Viewer{ID: "u_buyer"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/me", RequireViewer(), func(c *gin.Context) {
		v, _ := GetViewer(c)
		fromCtx, _ := FromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"id": v.ID, "ctx": fromCtx.ID})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"u_buyer","ctx":"u_buyer"}`, w.Body.String())

	// the query token is honored only on a stream upgrade
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/me?access_token="+token, nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/me?access_token="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(testSecret, time.Hour)

	r := gin.New()
	r.Use(Middleware(m))
	r.POST("/demo/pay", RequireRole(RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	post := func(v *Viewer) int {
		req := httptest.NewRequest(http.MethodPost, "/demo/pay", nil)
		if v != nil {
			token, err := m.Issue(*v)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, post(nil))
	assert.Equal(t, http.StatusForbidden, post(&Viewer{ID: "u_buyer", Role: RoleUser}))
	assert.Equal(t, http.StatusOK, post(&Viewer{ID: "u_admin", Role: RoleAdmin}))
}
