package fhir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// FormatETag creates a weak ETag from a version ID.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// SetVersionHeaders sets ETag and Last-Modified on the response.
func SetVersionHeaders(c echo.Context, version int, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(version))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// ifMatchVersion reads the If-Match header. Returns (0, false, nil) when the
// header is absent (unconditional update).
func ifMatchVersion(c echo.Context) (int, bool, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, false, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// ifNoneMatchVersion reads the If-None-Match header for conditional
// create-on-update. "*" means "any existing version short-circuits" and is
// reported with the wildcard flag.
func ifNoneMatchVersion(c echo.Context) (version int, wildcard, present bool, err error) {
	h := c.Request().Header.Get("If-None-Match")
	if h == "" {
		return 0, false, false, nil
	}
	if strings.TrimSpace(h) == "*" {
		return 0, true, true, nil
	}
	v, err := ParseETag(h)
	if err != nil {
		return 0, false, false, err
	}
	return v, false, true, nil
}
