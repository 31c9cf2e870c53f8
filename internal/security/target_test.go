package security

import (
	"errors"
	"testing"
)

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		url  string
		want error
	}{
		{"https://github.com/apache/kafka", nil},
		{"  https://huggingface.co/bert-base-uncased  ", nil},
		{"http://example.com", nil},
		{"", ErrEmptyURL},
		{"   ", ErrEmptyURL},
		{"github.com/apache/kafka", ErrRelativeURL},
		{"/relative/path", ErrRelativeURL},
		{"ftp://example.com/file", ErrURLScheme},
		{"https://", ErrURLMissingHost},
		{"http://[::1", ErrMalformedURL},
	}
	for _, tt := range tests {
		err := ValidateTargetURL(tt.url)
		if !errors.Is(err, tt.want) {
			t.Errorf("ValidateTargetURL(%q) = %v, want %v", tt.url, err, tt.want)
		}
	}
}
