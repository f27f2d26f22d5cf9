package server

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/objectio/objectio/internal/engine"
	"github.com/objectio/objectio/internal/metadata"
	"github.com/objectio/objectio/internal/multipart"
	"github.com/objectio/objectio/internal/versioning"
)

// Handler is the S3-style HTTP surface over the coordinator and the
// multipart manager. Paths are /{bucket} and /{bucket}/{key...}.
type Handler struct {
	eng    *engine.Engine
	mpm    *multipart.Manager
	logger *slog.Logger
}

func NewHandler(eng *engine.Engine, mpm *multipart.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{eng: eng, mpm: mpm, logger: logger}
}

func splitPath(p string) (bucket, key string) {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:]
	}
	return p, ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key := splitPath(r.URL.Path)

	switch {
	case bucket == "":
		if r.Method != http.MethodGet {
			writeAPIError(w, "MethodNotAllowed", "unsupported method", http.StatusMethodNotAllowed)
			return
		}
		h.listBuckets(w, r)
	case key == "":
		h.serveBucket(w, r, bucket)
	default:
		h.serveObject(w, r, bucket, key)
	}
}

func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request) {
	infos, err := h.eng.ListBuckets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := listBucketsResult{}
	for _, info := range infos {
		out.Buckets = append(out.Buckets, xmlBucket{
			Name:         info.Name,
			CreationDate: info.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeXML(w, http.StatusOK, out)
}

func (h *Handler) serveBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodPut:
		if q.Has("versioning") {
			var vc versioningConfiguration
			if err := xml.NewDecoder(r.Body).Decode(&vc); err != nil {
				writeAPIError(w, "MalformedXML", "bad versioning configuration", http.StatusBadRequest)
				return
			}
			if err := h.eng.SetBucketVersioning(r.Context(), bucket, vc.Status == "Enabled"); err != nil {
				writeEngineError(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if _, err := h.eng.CreateBucket(r.Context(), bucket, r.Header.Get("x-amz-owner")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, err := h.eng.GetBucket(r.Context(), bucket); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if q.Has("versioning") {
			info, err := h.eng.GetBucket(r.Context(), bucket)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			writeXML(w, http.StatusOK, versioningConfiguration{Status: info.Versioning})
			return
		}
		h.listObjects(w, r, bucket)
	case http.MethodDelete:
		if err := h.eng.DeleteBucket(r.Context(), bucket); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeAPIError(w, "MethodNotAllowed", "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	max := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if n, err := strconv.Atoi(mk); err == nil && n > 0 {
			max = n
		}
	}
	objects, next, err := h.eng.ListObjects(r.Context(), bucket, q.Get("prefix"), q.Get("continuation-token"), max)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := listObjectsResult{
		Name:                  bucket,
		Prefix:                q.Get("prefix"),
		KeyCount:              len(objects),
		IsTruncated:           next != "",
		NextContinuationToken: next,
	}
	for _, v := range objects {
		out.Contents = append(out.Contents, xmlObject{
			Key:          v.Key,
			LastModified: time.Unix(v.CreatedAt, 0).UTC().Format(time.RFC3339),
			ETag:         `"` + v.ETag + `"`,
			Size:         v.Size,
		})
	}
	writeXML(w, http.StatusOK, out)
}

func (h *Handler) serveObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	q := r.URL.Query()

	switch r.Method {
	case http.MethodPost:
		switch {
		case q.Has("uploads"):
			h.initiateMultipart(w, r, bucket, key)
		case q.Get("uploadId") != "":
			h.completeMultipart(w, r, q.Get("uploadId"), bucket, key)
		default:
			writeAPIError(w, "InvalidRequest", "unsupported POST", http.StatusBadRequest)
		}
	case http.MethodPut:
		if uploadID := q.Get("uploadId"); uploadID != "" {
			h.uploadPart(w, r, uploadID, q.Get("partNumber"))
			return
		}
		h.putObject(w, r, bucket, key)
	case http.MethodGet:
		switch {
		case q.Has("versions"):
			h.listVersions(w, r, bucket, key)
		case q.Has("diff"):
			h.diffVersions(w, r, bucket, key)
		case q.Get("uploadId") != "":
			h.listParts(w, r, q.Get("uploadId"), bucket, key)
		default:
			h.getObject(w, r, bucket, key)
		}
	case http.MethodHead:
		h.headObject(w, r, bucket, key)
	case http.MethodDelete:
		if uploadID := q.Get("uploadId"); uploadID != "" {
			if err := h.mpm.Abort(r.Context(), uploadID); err != nil {
				writeEngineError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.deleteObject(w, r, bucket, key)
	default:
		writeAPIError(w, "MethodNotAllowed", "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) putObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	opts := engine.PutOptions{ContentType: r.Header.Get("Content-Type")}
	if r.Header.Get("If-None-Match") == "*" {
		empty := ""
		opts.ExpectedVersionID = &empty
	} else if expect := r.Header.Get("x-amz-expected-version-id"); expect != "" {
		opts.ExpectedVersionID = &expect
	}

	v, err := h.eng.PutObject(r.Context(), bucket, key, r.Body, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+v.ETag+`"`)
	w.Header().Set("x-amz-version-id", v.VersionID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	offset, length, partial, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		writeAPIError(w, "InvalidRange", err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	rc, v, err := h.eng.GetObject(r.Context(), bucket, key, r.URL.Query().Get("versionId"), offset, length)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer rc.Close()

	setObjectHeaders(w, v)
	// A range over an empty object has no satisfiable byte span, so it
	// degrades to the full (empty) response.
	if partial && v.Size > 0 {
		end := v.Size - 1
		if length >= 0 && offset+length-1 < end {
			end = offset + length - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, v.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-offset+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(v.Size, 10))
		w.WriteHeader(http.StatusOK)
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream object body", "bucket", bucket, "key", key, "error", err)
	}
}

func (h *Handler) headObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	v, err := h.eng.HeadObject(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	setObjectHeaders(w, v)
	w.Header().Set("Content-Length", strconv.FormatInt(v.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func setObjectHeaders(w http.ResponseWriter, v *metadata.Version) {
	if v.ContentType != "" {
		w.Header().Set("Content-Type", v.ContentType)
	}
	w.Header().Set("ETag", `"`+v.ETag+`"`)
	w.Header().Set("x-amz-version-id", v.VersionID)
	w.Header().Set("Last-Modified", time.Unix(v.CreatedAt, 0).UTC().Format(http.TimeFormat))
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	res, err := h.eng.DeleteObject(r.Context(), bucket, key, r.URL.Query().Get("versionId"))
	if err != nil {
		if engine.IsNotFound(err) {
			// Deleting an absent key succeeds.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeEngineError(w, err)
		return
	}
	if res.Marker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	w.Header().Set("x-amz-version-id", res.VersionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listVersions(w http.ResponseWriter, r *http.Request, bucket, key string) {
	q := r.URL.Query()
	max := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if n, err := strconv.Atoi(mk); err == nil && n > 0 {
			max = n
		}
	}
	versions, next, err := h.eng.ListVersions(r.Context(), bucket, key, q.Get("version-id-marker"), max)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := listVersionsResult{
		Name:                bucket,
		IsTruncated:         next != "",
		NextVersionIDMarker: next,
	}
	for _, v := range versions {
		ts := time.Unix(v.CreatedAt, 0).UTC().Format(time.RFC3339)
		if v.DeleteMarker {
			out.DeleteMarkers = append(out.DeleteMarkers, xmlDeleteMarker{
				Key:          v.Key,
				VersionID:    v.VersionID,
				IsLatest:     v.IsLatest,
				LastModified: ts,
			})
			continue
		}
		out.Versions = append(out.Versions, xmlVersion{
			Key:          v.Key,
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: ts,
			ETag:         `"` + v.ETag + `"`,
			Size:         v.Size,
		})
	}
	writeXML(w, http.StatusOK, out)
}

// diffVersions compares two versions of a key and answers in JSON. It is
// an operator surface rather than part of the S3 dialect.
func (h *Handler) diffVersions(w http.ResponseWriter, r *http.Request, bucket, key string) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeAPIError(w, "InvalidRequest", "diff needs from and to version ids", http.StatusBadRequest)
		return
	}
	res, err := versioning.Diff(r.Context(), h.eng.Store(), h.eng.Backend(), bucket, key, from, to)
	if err != nil {
		writeAPIError(w, "InvalidRequest", err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) initiateMultipart(w http.ResponseWriter, r *http.Request, bucket, key string) {
	sess, err := h.mpm.Initiate(r.Context(), bucket, key, r.Header.Get("Content-Type"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeXML(w, http.StatusOK, initiateMultipartResult{
		Bucket:   bucket,
		Key:      key,
		UploadID: sess.UploadID,
	})
}

func (h *Handler) uploadPart(w http.ResponseWriter, r *http.Request, uploadID, partNumber string) {
	number, err := strconv.Atoi(partNumber)
	if err != nil {
		writeAPIError(w, "InvalidRequest", "bad part number", http.StatusBadRequest)
		return
	}
	p, perr := h.mpm.UploadPart(r.Context(), uploadID, number, r.Body)
	if perr != nil {
		writeEngineError(w, perr)
		return
	}
	w.Header().Set("ETag", `"`+p.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) completeMultipart(w http.ResponseWriter, r *http.Request, uploadID, bucket, key string) {
	var req completeMultipartRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, "MalformedXML", "bad complete request", http.StatusBadRequest)
		return
	}
	claimed := make([]multipart.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		claimed[i] = multipart.CompletedPart{
			Number: p.PartNumber,
			ETag:   strings.Trim(p.ETag, `"`),
		}
	}
	v, err := h.mpm.Complete(r.Context(), uploadID, claimed)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeXML(w, http.StatusOK, completeMultipartResult{
		Bucket:    bucket,
		Key:       key,
		ETag:      `"` + v.ETag + `"`,
		VersionID: v.VersionID,
	})
}

func (h *Handler) listParts(w http.ResponseWriter, r *http.Request, uploadID, bucket, key string) {
	_, parts, err := h.mpm.ListParts(r.Context(), uploadID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := listPartsResult{Bucket: bucket, Key: key, UploadID: uploadID}
	for _, p := range parts {
		out.Parts = append(out.Parts, xmlListPart{
			PartNumber: p.Number,
			ETag:       `"` + p.ETag + `"`,
			Size:       p.Size,
		})
	}
	writeXML(w, http.StatusOK, out)
}

// parseRange handles the single-range forms bytes=a-b, bytes=a-, and
// bytes=-n. It returns the open offset and length (length < 0 reads to the
// end) and whether the request was partial at all. Suffix ranges are not
// resolvable without the object size, so bytes=-n is rejected here and the
// caller serves the whole body.
func parseRange(header string) (offset, length int64, partial bool, err error) {
	if header == "" {
		return 0, -1, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("unsupported range %q", header)
	}
	start, end, ok := strings.Cut(spec, "-")
	if !ok || start == "" {
		return 0, 0, false, fmt.Errorf("unsupported range %q", header)
	}
	offset, err = strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("bad range start %q", start)
	}
	if end == "" {
		return offset, -1, true, nil
	}
	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < offset {
		return 0, 0, false, fmt.Errorf("bad range end %q", end)
	}
	return offset, last - offset + 1, true, nil
}
