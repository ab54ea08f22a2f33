package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const maxMultipartMemory = 32 << 20

// outboundBody is the re-encoded request body plus the content type to send
// upstream. An empty contentType means the inbound Content-Type header is
// forwarded untouched.
type outboundBody struct {
	reader      io.Reader
	contentType string
}

// buildOutboundBody decodes the inbound body according to its content type and
// re-encodes it for the upstream call. Exactly one encoding variant applies
// per request: multipart form, JSON, urlencoded form, or opaque bytes.
func buildOutboundBody(r *http.Request) (outboundBody, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return outboundBody{reader: nil}, nil
	}
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch {
	case mediaType == "multipart/form-data":
		return rebuildMultipart(r)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return rebuildJSON(r)
	case mediaType == "application/x-www-form-urlencoded":
		return rebuildURLEncoded(r)
	default:
		return rebuildOpaque(r)
	}
}

func rebuildMultipart(r *http.Request) (outboundBody, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return outboundBody{}, fmt.Errorf("parse multipart form: %w", err)
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, values := range r.MultipartForm.Value {
		for _, value := range values {
			if err := writer.WriteField(field, value); err != nil {
				return outboundBody{}, fmt.Errorf("write form field %q: %w", field, err)
			}
		}
	}
	for field, headers := range r.MultipartForm.File {
		for _, header := range headers {
			if err := copyFilePart(writer, field, header); err != nil {
				return outboundBody{}, err
			}
		}
	}
	if err := writer.Close(); err != nil {
		return outboundBody{}, fmt.Errorf("finalize multipart form: %w", err)
	}
	return outboundBody{reader: &buf, contentType: writer.FormDataContentType()}, nil
}

func copyFilePart(writer *multipart.Writer, field string, header *multipart.FileHeader) error {
	file, err := header.Open()
	if err != nil {
		return fmt.Errorf("open uploaded file %q: %w", header.Filename, err)
	}
	defer file.Close()

	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(field), escapeQuotes(header.Filename)))
	if contentType := header.Header.Get("Content-Type"); contentType != "" {
		partHeader.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return fmt.Errorf("create multipart part %q: %w", field, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy uploaded file %q: %w", header.Filename, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func rebuildJSON(r *http.Request) (outboundBody, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return outboundBody{}, fmt.Errorf("read request body: %w", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return outboundBody{}, fmt.Errorf("decode json body: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return outboundBody{}, fmt.Errorf("encode json body: %w", err)
	}
	return outboundBody{reader: bytes.NewReader(encoded), contentType: "application/json"}, nil
}

func rebuildURLEncoded(r *http.Request) (outboundBody, error) {
	if err := r.ParseForm(); err != nil {
		return outboundBody{}, fmt.Errorf("parse form body: %w", err)
	}
	encoded := r.PostForm.Encode()
	return outboundBody{
		reader:      strings.NewReader(encoded),
		contentType: "application/x-www-form-urlencoded",
	}, nil
}

func rebuildOpaque(r *http.Request) (outboundBody, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return outboundBody{}, fmt.Errorf("read request body: %w", err)
	}
	return outboundBody{reader: bytes.NewReader(raw)}, nil
}
