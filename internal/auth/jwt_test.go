package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "academy-test"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, exp, err := Issue("STU-1000", RoleStudent, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) < 55*time.Minute {
		t.Fatalf("expiry too close: %v", exp)
	}

	claims, err := Parse(token, testKey, testIssuer)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "STU-1000" || claims.Role != RoleStudent {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejections(t *testing.T) {
	token, _, _ := Issue("Savin2011", RoleStaff, testIssuer, testKey, time.Hour)
	expired, _, _ := Issue("Savin2011", RoleStaff, testIssuer, testKey, -time.Minute)

	tests := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{name: "wrong key", token: token, key: "other-key", issuer: testIssuer},
		{name: "wrong issuer", token: token, key: testKey, issuer: "someone-else"},
		{name: "expired", token: expired, key: testKey, issuer: testIssuer},
		{name: "garbage", token: "not.a.token", key: testKey, issuer: testIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.token, tt.key, tt.issuer); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestRequireMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/staff", Require(testKey, testIssuer, RoleStaff), func(c *gin.Context) {
		c.String(http.StatusOK, FromContext(c).Subject)
	})

	staffToken, _, _ := Issue("Savin2011", RoleStaff, testIssuer, testKey, time.Hour)
	studentToken, _, _ := Issue("STU-1000", RoleStudent, testIssuer, testKey, time.Hour)

	tests := []struct {
		name       string
		authz      string
		wantStatus int
	}{
		{name: "staff allowed", authz: "Bearer " + staffToken, wantStatus: http.StatusOK},
		{name: "student forbidden", authz: "Bearer " + studentToken, wantStatus: http.StatusForbidden},
		{name: "missing header", authz: "", wantStatus: http.StatusUnauthorized},
		{name: "bad token", authz: "Bearer nope", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/staff", nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && w.Body.String() != "Savin2011" {
				t.Fatalf("body = %q", w.Body.String())
			}
		})
	}
}
