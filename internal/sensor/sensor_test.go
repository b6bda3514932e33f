package sensor

import "testing"

func TestUnescape(t *testing.T) {
	cases := map[string]string{
		`+0025.9\r`:                     "+0025.9\r",
		`a\tb\nc`:                       "a\tb\nc",
		`(?P<temperature>[+-]?\d+\.+\d)`: `(?P<temperature>[+-]?\d+\.+\d)`,
	}
	for in, want := range cases {
		if got := Unescape(in); got != want {
			t.Errorf("Unescape(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSensorBuildsTemplates(t *testing.T) {
	cfg := map[string]any{
		"type":        "totalStation",
		"description": "Leica TM30",
		"observations": []any{
			map[string]any{
				"name":      "getDistance",
				"target":    "P1",
				"receivers": []any{"preProcessor"},
				"requestSets": map[string]any{
					"getDistance": map[string]any{
						"request":           `%R1Q,2008:1,1,0\r\n`,
						"responsePattern":   `(?P<slopeDist>[+-]?\d+\.\d+)`,
						"responseDelimiter": `\r\n`,
						"enabled":           true,
					},
				},
			},
		},
	}

	s, err := New("ts1", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.IsTotalStation() {
		t.Error("expected IsTotalStation true")
	}

	tmpl, ok := s.Template("getDistance")
	if !ok {
		t.Fatal("expected getDistance template")
	}
	if tmpl.Get("sensorName", "") != "ts1" {
		t.Errorf("sensorName = %v, want ts1", tmpl.Get("sensorName", ""))
	}

	rs := tmpl.RequestSets()["getDistance"]
	if rs.Request != "%R1Q,2008:1,1,0\r\n" {
		t.Errorf("request not unescaped: %q", rs.Request)
	}
	if rs.ResponseDelimiter != "\r\n" {
		t.Errorf("responseDelimiter not unescaped: %q", rs.ResponseDelimiter)
	}
}
