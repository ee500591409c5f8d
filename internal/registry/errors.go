package registry

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorCode is an OCI distribution error code.
type ErrorCode string

const (
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeDenied            ErrorCode = "DENIED"
	CodeNameUnknown       ErrorCode = "NAME_UNKNOWN"
	CodeManifestUnknown   ErrorCode = "MANIFEST_UNKNOWN"
	CodeBlobUnknown       ErrorCode = "BLOB_UNKNOWN"
	CodeBlobUploadUnknown ErrorCode = "BLOB_UPLOAD_UNKNOWN"
	CodeBlobUploadInvalid ErrorCode = "BLOB_UPLOAD_INVALID"
	CodeDigestInvalid     ErrorCode = "DIGEST_INVALID"
	CodeSizeInvalid       ErrorCode = "SIZE_INVALID"
	CodeUnsupported       ErrorCode = "UNSUPPORTED"
	// CodeUnknown covers failures with no more specific code, per the
	// distribution spec's base taxonomy.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// apiError is one element of the OCI error envelope.
type apiError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
}

// writeError renders the OCI error envelope with the given status.
func writeError(c echo.Context, status int, code ErrorCode, message string, detail interface{}) error {
	return c.JSON(status, errorEnvelope{Errors: []apiError{{
		Code:    code,
		Message: message,
		Detail:  detail,
	}}})
}

func errNameUnknown(c echo.Context, repository string) error {
	return writeError(c, http.StatusNotFound, CodeNameUnknown, "repository name not known to registry", repository)
}

func errManifestUnknown(c echo.Context, reference string) error {
	return writeError(c, http.StatusNotFound, CodeManifestUnknown, "manifest unknown", reference)
}

func errBlobUnknown(c echo.Context, dgst string) error {
	return writeError(c, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry", dgst)
}

func errUploadUnknown(c echo.Context, id string) error {
	return writeError(c, http.StatusNotFound, CodeBlobUploadUnknown, "blob upload unknown to registry", id)
}

func errDigestInvalid(c echo.Context, detail interface{}) error {
	return writeError(c, http.StatusBadRequest, CodeDigestInvalid, "provided digest did not match uploaded content", detail)
}

func errDenied(c echo.Context) error {
	return writeError(c, http.StatusForbidden, CodeDenied, "requested access to the resource is denied", nil)
}

func errUpstream(c echo.Context, err error) error {
	return writeError(c, http.StatusBadGateway, CodeUnknown, "upstream registry request failed", err.Error())
}
