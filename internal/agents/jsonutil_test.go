package agents

import "testing"

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "bare object",
			raw:  `{"title": "Chapter 1"}`,
			want: `{"title": "Chapter 1"}`,
		},
		{
			name: "fenced with json tag",
			raw:  "Here you go:\n```json\n{\"title\": \"Chapter 1\"}\n```\nHope that helps!",
			want: `{"title": "Chapter 1"}`,
		},
		{
			name: "fenced without tag",
			raw:  "```\n[1, 2, 3]\n```",
			want: `[1, 2, 3]`,
		},
		{
			name: "surrounding prose",
			raw:  `Sure! The outline is {"units": [{"id": 1}]} as requested.`,
			want: `{"units": [{"id": 1}]}`,
		},
		{
			name: "braces inside strings",
			raw:  `{"summary": "Mara said \"go {now}\" and left"}`,
			want: `{"summary": "Mara said \"go {now}\" and left"}`,
		},
		{
			name: "nested objects",
			raw:  `{"a": {"b": {"c": 1}}} trailing`,
			want: `{"a": {"b": {"c": 1}}}`,
		},
		{
			name: "array payload",
			raw:  `claims: [{"entity": "hero"}, {"entity": "villain"}]`,
			want: `[{"entity": "hero"}, {"entity": "villain"}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractJSON = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractJSONErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		"no json here at all",
		`{"unterminated": true`,
		"```json\n```",
	} {
		if _, err := ExtractJSON(raw); err == nil {
			t.Errorf("ExtractJSON(%q) should fail", raw)
		}
	}
}
