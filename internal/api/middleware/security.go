package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverhead is added to the upload limit for form fields and
// boundaries.
const multipartOverhead = 1 << 20

// NewCORS allows the dashboard origins to call the API.
func NewCORS(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPut,
			http.MethodPatch,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"X-Device-ID",
		},
	})
}

// NewSecureHeaders sets the usual hardening headers. The API serves no
// HTML, so frames are denied outright.
func NewSecureHeaders() echo.MiddlewareFunc {
	return middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	})
}

// NewBodyLimit rejects bodies larger than the upload limit plus room for
// the multipart envelope. maxUpload <= 0 disables the check.
func NewBodyLimit(maxUpload int64) echo.MiddlewareFunc {
	if maxUpload <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.BodyLimit(BodyLimitString(maxUpload))
}

// BodyLimitString formats the limit in the unit syntax echo expects.
func BodyLimitString(maxUpload int64) string {
	return fmt.Sprintf("%dK", (maxUpload+multipartOverhead+1023)/1024)
}
