package classify

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/mbd888/clicense/internal/license"
)

//go:embed verdict.schema.json
var verdictSchemaJSON []byte

var verdictSchema = mustCompileSchema(verdictSchemaJSON)

func mustCompileSchema(data []byte) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		panic(fmt.Sprintf("classify: compile verdict schema: %v", err))
	}
	return schema
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(s, "```json"); ok {
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "```"); ok {
		s = rest
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseVerdict decodes a model response into a verdict. It reports false when
// the text is not a single JSON object satisfying the output contract; the
// caller then substitutes license.Fallback(). A partially valid object is
// never accepted.
func ParseVerdict(raw string) (license.Verdict, bool) {
	body := []byte(StripFences(raw))
	if len(body) == 0 {
		return license.Verdict{}, false
	}

	if result := verdictSchema.ValidateJSON(body); !result.IsValid() {
		return license.Verdict{}, false
	}

	var v license.Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return license.Verdict{}, false
	}
	if !v.Valid() {
		return license.Verdict{}, false
	}
	if v.Risks == nil {
		v.Risks = []string{}
	}
	// Provenance is attached by the caller from the request, never the model.
	v.Source, v.URL, v.Title = "", "", ""
	return v, true
}
