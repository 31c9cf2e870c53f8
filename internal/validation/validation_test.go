package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("url", "https://github.com/a/b"),
		TargetURL("url", "https://github.com/a/b"),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("message", ""),
		TargetURL("url", "github.com/a/b"),
	)
	if len(errs) != 2 {
		t.Fatalf("Expected 2 errors, got %d", len(errs))
	}
	if errs.Error() != "message: is required" {
		t.Errorf("unexpected summary %q", errs.Error())
	}
}

func TestEmail(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"dev@example.com", true},
		{"", true},
		{"not-an-email", false},
		{"Dev <dev@example.com>", false},
	}
	for _, tc := range tests {
		valid := Email("email", tc.value)() == nil
		if valid != tc.valid {
			t.Errorf("Email(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestOneOf(t *testing.T) {
	if err := OneOf("plan", "Pro", "free", "pro", "team")(); err != nil {
		t.Errorf("expected case-insensitive match, got %v", err)
	}
	if err := OneOf("plan", "enterprise", "free", "pro", "team")(); err == nil {
		t.Error("expected error for unknown plan")
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader(`{"url":"https://github.com/a/b"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to be rejected, got %d", w.Code)
	}
}

func TestAbort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Abort(c, ValidationErrors{{Field: "url", Message: "is required"}})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "validation_failed" || body["message"] != "url: is required" {
		t.Errorf("unexpected body %v", body)
	}
}
