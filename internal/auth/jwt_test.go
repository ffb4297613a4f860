package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/chatturn/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour, "")
	token, err := service.Generate(&models.User{ID: "user-1", Email: "user@example.com", Name: "User"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if *user != (models.User{ID: "user-1", Email: "user@example.com", Name: "User"}) {
		t.Fatalf("Validate() = %+v", user)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	signer := NewJWTService("secret", time.Hour, "")
	signer.now = func() time.Time { return issued }
	token, err := signer.Generate(&models.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name     string
		verifier *JWTService
		token    string
	}{
		{name: "wrong secret", verifier: NewJWTService("other", time.Hour, ""), token: token},
		{name: "wrong issuer", verifier: NewJWTService("secret", time.Hour, "someone-else"), token: token},
		{name: "expired", verifier: NewJWTService("secret", time.Hour, ""), token: token},
		{name: "garbage", verifier: NewJWTService("secret", time.Hour, ""), token: "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name != "expired" {
				tt.verifier.now = func() time.Time { return issued.Add(time.Minute) }
			}
			if _, err := tt.verifier.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceRequiresUser(t *testing.T) {
	service := NewJWTService("secret", 0, "")
	if _, err := service.Generate(&models.User{}); err == nil {
		t.Error("Generate() accepted a user without id")
	}
	token, err := service.Generate(&models.User{ID: "u"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != nil {
		t.Errorf("Validate() of non-expiring token error = %v", err)
	}
}
