package descriptor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/agenthands/descedge/pkg/core"
)

// CacheControlImmutable is sent with every descriptor; keys are content
// hashes, so a response never goes stale.
const CacheControlImmutable = "public, max-age=31536000, immutable"

// Headers returns the response headers for d. They do not depend on the tier
// that served it.
func Headers(d core.Descriptor) http.Header {
	ct := d.ContentType
	if ct == "" {
		ct = core.DefaultContentType
	}
	h := make(http.Header)
	h.Set("Content-Type", ct)
	h.Set("Cache-Control", CacheControlImmutable)
	h.Set("ETag", string(d.Key))
	return h
}

// WriteDescriptor writes d, or 304 when the request already holds it.
func WriteDescriptor(w http.ResponseWriter, r *http.Request, d core.Descriptor) {
	for k, v := range Headers(d) {
		w.Header()[k] = v
	}
	if r != nil && notModified(r.Header.Get("If-None-Match"), d.Key) {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(d.Data)
}

func notModified(inm string, key core.Key) bool {
	if inm == "" {
		return false
	}
	for _, tag := range strings.Split(inm, ",") {
		tag = strings.TrimSpace(tag)
		tag = strings.TrimPrefix(tag, "W/")
		if tag == "*" || strings.Trim(tag, `"`) == string(key) {
			return true
		}
	}
	return false
}

type notFoundBody struct {
	Error string `json:"error"`
	Hash  string `json:"hash"`
}

// WriteNotFound writes the single failure shape clients see.
func WriteNotFound(w http.ResponseWriter, key core.Key) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(notFoundBody{Error: "not found", Hash: string(key)})
}
