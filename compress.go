package streamhouse

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"net/http"
	"strings"
)

// defaultCompressMinBytes is the smallest body worth compressing.
const defaultCompressMinBytes = 1024

// negotiateEncoding picks a content encoding from Accept-Encoding, preferring
// gzip. Returns the empty string when the body should go out uncompressed.
func negotiateEncoding(r *http.Request, bodyLen, minBytes int) string {
	if bodyLen < minBytes {
		return ""
	}
	accept := r.Header.Get("Accept-Encoding")
	if accept == "" {
		return ""
	}
	for _, part := range strings.Split(accept, ",") {
		enc := strings.TrimSpace(part)
		if i := strings.Index(enc, ";"); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		if enc == "gzip" {
			return "gzip"
		}
	}
	for _, part := range strings.Split(accept, ",") {
		enc := strings.TrimSpace(part)
		if i := strings.Index(enc, ";"); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		if enc == "deflate" {
			return "deflate"
		}
	}
	return ""
}

// compressBody encodes body with the chosen encoding. On any failure the
// original body is returned with no encoding so the response stays correct.
func compressBody(body []byte, encoding string) ([]byte, string) {
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return body, ""
		}
		if err := zw.Close(); err != nil {
			return body, ""
		}
	case "deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return body, ""
		}
		if _, err := fw.Write(body); err != nil {
			return body, ""
		}
		if err := fw.Close(); err != nil {
			return body, ""
		}
	default:
		return body, ""
	}
	if buf.Len() >= len(body) {
		return body, ""
	}
	return buf.Bytes(), encoding
}

// writeMaybeCompressed writes body applying negotiated compression and the
// Vary header.
func (h *Handler) writeMaybeCompressed(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	w.Header().Set("Vary", "Accept-Encoding")
	if enc := negotiateEncoding(r, len(body), h.compressMinBytes()); enc != "" {
		compressed, applied := compressBody(body, enc)
		if applied != "" {
			w.Header().Set("Content-Encoding", applied)
			body = compressed
		}
	}
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) compressMinBytes() int {
	if h.CompressMinBytes > 0 {
		return h.CompressMinBytes
	}
	return defaultCompressMinBytes
}
