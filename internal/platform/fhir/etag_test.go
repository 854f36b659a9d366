package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFormatETag(t *testing.T) {
	if got := FormatETag(3); got != `W/"3"` {
		t.Errorf("expected W/\"3\", got %s", got)
	}
}

func TestParseETag(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"7"`, 7, false},
		{`12`, 12, false},
		{` W/"1" `, 1, false},
		{`W/"abc"`, 0, true},
		{``, 0, true},
		{`W/""`, 0, true},
	}
	for _, tc := range cases {
		got, err := ParseETag(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseETag(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseETag(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseETag(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func headerContext(t *testing.T, header, value string) echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/fhir/Patient/p1", nil)
	if value != "" {
		req.Header.Set(header, value)
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func TestIfMatchVersion(t *testing.T) {
	c := headerContext(t, "If-Match", "")
	if _, present, err := ifMatchVersion(c); present || err != nil {
		t.Errorf("expected absent header, got present=%v err=%v", present, err)
	}

	c = headerContext(t, "If-Match", `W/"4"`)
	v, present, err := ifMatchVersion(c)
	if err != nil || !present || v != 4 {
		t.Errorf("expected (4, true), got (%d, %v) err=%v", v, present, err)
	}

	c = headerContext(t, "If-Match", `garbage`)
	if _, _, err := ifMatchVersion(c); err == nil {
		t.Error("expected error for malformed If-Match")
	}
}

func TestIfNoneMatchVersion(t *testing.T) {
	c := headerContext(t, "If-None-Match", "")
	if _, _, present, err := ifNoneMatchVersion(c); present || err != nil {
		t.Errorf("expected absent header, got present=%v err=%v", present, err)
	}

	c = headerContext(t, "If-None-Match", "*")
	_, wildcard, present, err := ifNoneMatchVersion(c)
	if err != nil || !present || !wildcard {
		t.Errorf("expected wildcard, got wildcard=%v present=%v err=%v", wildcard, present, err)
	}

	c = headerContext(t, "If-None-Match", `W/"2"`)
	v, wildcard, present, err := ifNoneMatchVersion(c)
	if err != nil || !present || wildcard || v != 2 {
		t.Errorf("expected version 2, got v=%d wildcard=%v present=%v err=%v", v, wildcard, present, err)
	}

	c = headerContext(t, "If-None-Match", "nope")
	if _, _, _, err := ifNoneMatchVersion(c); err == nil {
		t.Error("expected error for malformed If-None-Match")
	}
}

func TestSetVersionHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	SetVersionHeaders(c, 5, "Mon, 01 Sep 2025 10:00:00 GMT")
	if got := rec.Header().Get("ETag"); got != `W/"5"` {
		t.Errorf("unexpected ETag %s", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Mon, 01 Sep 2025 10:00:00 GMT" {
		t.Errorf("unexpected Last-Modified %s", got)
	}
}
