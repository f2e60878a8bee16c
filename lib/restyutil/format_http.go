package restyutil

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
)

var secretHeaders = []string{"Authorization", "Cookie", "Set-Cookie"}

// formatHeaders prints headers sorted by name so two dumps of the same
// exchange diff cleanly.
func formatHeaders(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out strings.Builder
	for _, k := range keys {
		for _, v := range headers[k] {
			if slices.Contains(secretHeaders, http.CanonicalHeaderKey(k)) {
				v = redactHeader(v)
			}
			out.WriteString(fmt.Sprintf("%s: %s\n", k, v))
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

// redactHeader keeps the scheme or cookie names, values are dropped.
func redactHeader(value string) string {
	if scheme, _, ok := strings.Cut(value, " "); ok && !strings.Contains(scheme, "=") {
		return scheme + " <redacted>"
	}
	parts := strings.Split(value, ";")
	for i, part := range parts {
		name, _, ok := strings.Cut(part, "=")
		if ok {
			parts[i] = name + "=<redacted>"
		}
	}
	return strings.Join(parts, ";")
}

// secrets must never end up in a dump.
var secretFields = regexp.MustCompile(`(?i)((?:pwd|password|passwd|otp|otp_password|otpCode|code)[^=&"]*["]?[=:]["]?)([^&"]*)`)

func redact(s string) string {
	return secretFields.ReplaceAllString(s, "${1}<redacted>")
}

func formatRequestBody(req *http.Request) string {
	if req.GetBody == nil {
		return "<NO BODY AVAILABLE>"
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Sprintf("failed to get request body: %s", err.Error())
	}
	readBody, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("failed to read request body: %s", err.Error())
	}
	return redact(string(readBody))
}

// 1: request method
// 2: request url
// 3: request headers in ("Key: Value" format)
// 4: request body
// 5: response status
// 6: response url
// 7: response headers in ("Key: Value" format)
// 8: response body
const messageInfoTemplate = `---- REQUEST ----

%s %s

%s

%s

---- RESPONSE ----

%s %s

%s

%s`

func formatHttpMessage(res *resty.Response) string {
	requestHeaders := formatHeaders(res.Request.RawRequest.Header)
	responseHeaders := formatHeaders(res.Header())

	responseUrl := res.Request.URL
	redirected, err := res.RawResponse.Location()
	if err == nil {
		responseUrl = redirected.String()
	}

	return fmt.Sprintf(
		messageInfoTemplate,

		res.Request.Method, redact(res.Request.URL),
		requestHeaders,
		formatRequestBody(res.Request.RawRequest),

		strconv.Itoa(res.StatusCode()), redact(responseUrl),
		responseHeaders,
		redact(res.String()),
	)
}
