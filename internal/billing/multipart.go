package billing

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"sort"
)

// Multipart describes a form upload: plain fields plus at most one file.
type Multipart struct {
	Fields map[string]string
	File   *FilePart
}

type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     []byte
}

// encode renders the form once so the same bytes can be replayed on retries.
func (m *Multipart) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := w.WriteField(k, m.Fields[k]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if m.File != nil {
		fieldName := m.File.FieldName
		if fieldName == "" {
			fieldName = "file"
		}
		contentType := m.File.ContentType
		if contentType == "" {
			contentType = "application/pdf"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldName, m.File.FileName))
		h.Set("Content-Type", contentType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(m.File.Content); err != nil {
			return nil, "", fmt.Errorf("write file part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}
