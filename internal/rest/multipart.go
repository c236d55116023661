package rest

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/luciancaetano/kephascord"
)

// encode serializes the body once so retries can resend the same bytes.
func (r *request) encode(body any, file *kephascord.File) error {
	if file == nil {
		if body == nil {
			return nil
		}
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		r.body = b
		r.contentType = "application/json"
		return nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="payload_json"`)
		h.Set("Content-Type", "application/json")
		part, err := w.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := part.Write(payload); err != nil {
			return err
		}
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[0]"; filename=%q`, file.Name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file.Reader); err != nil {
		return fmt.Errorf("read file %s: %w", file.Name, err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	r.body = buf.Bytes()
	r.contentType = w.FormDataContentType()
	return nil
}
