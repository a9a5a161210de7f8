package httpapi

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestJWTAuth tests basic JWT authentication functionality
func TestJWTAuth(t *testing.T) {
	auth := NewJWTAuth("test-secret")

	token, expiresAt, err := auth.GenerateToken("test-client", false)
	if err != nil {
		t.Errorf("Expected no error generating token, got %v", err)
	}
	if token == "" {
		t.Error("Expected non-empty token")
	}
	if expiresAt.IsZero() {
		t.Error("Expected valid expiration time")
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Errorf("Expected no error validating token, got %v", err)
	}
	if claims == nil {
		t.Fatal("Expected claims to be returned")
	}
	if claims.ClientID != "test-client" {
		t.Errorf("Expected ClientID 'test-client', got '%s'", claims.ClientID)
	}
	if claims.IsAdmin {
		t.Error("Expected IsAdmin to be false")
	}

	if _, err := auth.ValidateToken("invalid-token"); err == nil {
		t.Error("Expected error for invalid token")
	}
	if _, _, err := auth.GenerateToken("", false); err == nil {
		t.Error("Expected error for empty client id")
	}
}

func TestJWTAuthValidation(t *testing.T) {
	auth := NewJWTAuth("validation-secret")

	t.Run("admin_token", func(t *testing.T) {
		token, _, err := auth.GenerateToken("admin-client", true)
		if err != nil {
			t.Fatalf("Expected no error generating admin token, got %v", err)
		}
		claims, err := auth.ValidateToken(token)
		if err != nil {
			t.Fatalf("Expected no error validating admin token, got %v", err)
		}
		if !claims.IsAdmin {
			t.Error("Expected IsAdmin to be true for admin token")
		}
		if claims.Subject != "admin-client" {
			t.Errorf("Expected subject 'admin-client', got '%s'", claims.Subject)
		}
	})

	t.Run("token_expiration_fields", func(t *testing.T) {
		_, expiresAt, err := auth.GenerateToken("expiry-test", false)
		if err != nil {
			t.Errorf("Expected no error generating expiry test token, got %v", err)
		}

		expectedExpiry := time.Now().Add(DefaultTokenDuration)
		if diff := expiresAt.Sub(expectedExpiry).Abs(); diff > time.Minute {
			t.Errorf("Token expiration time off by more than 1 minute: %v", diff)
		}
	})

	t.Run("custom_duration", func(t *testing.T) {
		short := auth.WithDuration(time.Minute)
		_, expiresAt, err := short.GenerateToken("short", false)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if time.Until(expiresAt) > 2*time.Minute {
			t.Errorf("Expected a one minute token, expires at %v", expiresAt)
		}
	})

	t.Run("bearer_token_handling", func(t *testing.T) {
		token, _, err := auth.GenerateToken("bearer-test", false)
		if err != nil {
			t.Errorf("Expected no error generating bearer test token, got %v", err)
		}

		claims, err := auth.ValidateToken("Bearer " + token)
		if err != nil {
			t.Errorf("Expected no error validating bearer token, got %v", err)
		}
		if claims == nil || claims.ClientID != "bearer-test" {
			t.Error("Bearer token validation failed")
		}
	})

	t.Run("expired_token", func(t *testing.T) {
		expired := auth.WithDuration(-time.Minute)
		token, _, err := expired.GenerateToken("late", false)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if _, err := auth.ValidateToken(token); err == nil {
			t.Error("Expected error for expired token")
		}
	})

	t.Run("foreign_secret", func(t *testing.T) {
		token, _, err := NewJWTAuth("other-secret").GenerateToken("intruder", true)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if _, err := auth.ValidateToken(token); err == nil {
			t.Error("Expected error for token signed with another secret")
		}
	})

	t.Run("foreign_issuer", func(t *testing.T) {
		claims := JWTClaims{
			ClientID: "someone",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("validation-secret"))
		if err != nil {
			t.Fatalf("Expected no error signing, got %v", err)
		}
		if _, err := auth.ValidateToken(token); err == nil {
			t.Error("Expected error for token from another issuer")
		}
	})
}
