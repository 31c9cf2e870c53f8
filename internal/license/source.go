package license

import (
	"net/url"
	"strings"
)

// SourceOther labels any host that is not a known code or model hub.
const SourceOther = "Other"

// knownSources maps registrable hosts to display labels.
var knownSources = []struct {
	host  string
	label string
}{
	{"huggingface.co", "Hugging Face"},
	{"github.com", "GitHub"},
	{"gitlab.com", "GitLab"},
}

// SourceFor derives the provenance label from a URL's host. It is pure and
// never fails: unparsable input maps to SourceOther.
func SourceFor(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return SourceOther
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return SourceOther
	}
	for _, k := range knownSources {
		if host == k.host || strings.HasSuffix(host, "."+k.host) {
			return k.label
		}
	}
	return SourceOther
}
