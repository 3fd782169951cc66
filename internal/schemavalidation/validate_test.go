package schemavalidation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type schemaCase struct {
	name         string
	schema       string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	cases := []schemaCase{
		{
			name:         "sample-request",
			schema:       SampleRequest,
			instancePath: filepath.Join("testdata", "sample-request-v1.json"),
		},
		{
			name:         "settings",
			schema:       Settings,
			instancePath: filepath.Join("testdata", "settings-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := os.ReadFile(tc.instancePath)
			if err != nil {
				t.Fatalf("read instance: %v", err)
			}
			if err := v.Validate(tc.schema, data); err != nil {
				t.Fatalf("schema validation failed for %s: %v", filepath.Base(tc.instancePath), err)
			}
		})
	}
}

func TestRejections(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}

	tests := []struct {
		name   string
		schema string
		doc    string
		path   string
	}{
		{"missing timings", SampleRequest, `{"context":"x"}`, "/"},
		{"negative press", SampleRequest, `{"timings":[{"key":"a","pressTime":-1,"releaseTime":2}]}`, "/timings/0/pressTime"},
		{"huge release", SampleRequest, `{"timings":[{"key":"a","pressTime":1,"releaseTime":1e308}]}`, "/timings/0/releaseTime"},
		{"empty key", SampleRequest, `{"timings":[{"key":"","pressTime":1,"releaseTime":2}]}`, "/timings/0/key"},
		{"unknown field", SampleRequest, `{"timings":[],"user":"x"}`, "/"},
		{"string time", SampleRequest, `{"timings":[{"key":"a","pressTime":"1","releaseTime":2}]}`, "/timings/0/pressTime"},
		{"bad policy", Settings, `{"version":1,"min_confidence_threshold":65,"max_failed_attempts":5,"anomaly_detection_sensitivity":0.5,"learning_period":5,"lockout_duration_sec":900,"adaptation_policy":"sometimes"}`, "/adaptation_policy"},
		{"threshold too high", Settings, `{"version":1,"min_confidence_threshold":101,"max_failed_attempts":5,"anomaly_detection_sensitivity":0.5,"learning_period":5,"lockout_duration_sec":900,"adaptation_policy":"never"}`, "/min_confidence_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, []byte(tt.doc))
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *Error", err)
			}
			found := false
			for _, p := range verr.Problems {
				if p.Path == tt.path {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %+v do not mention %s", verr.Problems, tt.path)
			}
		})
	}
}

func TestMalformed(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	for _, doc := range []string{`{`, `{"timings":[]} {}`, ``} {
		if err := v.Validate(SampleRequest, []byte(doc)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Validate(%q) = %v, want ErrMalformed", doc, err)
		}
	}
}

func TestUnknownSchema(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	err = v.Validate("nope", []byte(`{}`))
	if !errors.Is(err, ErrUnknownSchema) || !strings.Contains(err.Error(), "nope") {
		t.Errorf("err = %v", err)
	}
}
