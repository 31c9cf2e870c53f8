package license

import "testing"

func TestSourceFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://huggingface.co/meta-llama/Llama-2-7b", "Hugging Face"},
		{"https://github.com/apache/kafka", "GitHub"},
		{"https://www.github.com/apache/kafka", "GitHub"},
		{"https://gitlab.com/gitlab-org/gitlab", "GitLab"},
		{"HTTPS://GitHub.COM/x/y", "GitHub"},
		{"https://example.com/github.com/x", "Other"},
		{"https://notgithub.com/x", "Other"},
		{"https://pypi.org/project/requests", "Other"},
		{"not a url", "Other"},
		{"", "Other"},
		{"://bad", "Other"},
	}
	for _, tt := range tests {
		if got := SourceFor(tt.url); got != tt.want {
			t.Errorf("SourceFor(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
