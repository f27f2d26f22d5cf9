package server

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/objectio/objectio/internal/engine"
)

type apiError struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code, message string, status int) {
	writeXML(w, status, apiError{Code: code, Message: message})
}

// writeEngineError maps the error taxonomy onto S3-style responses.
func writeEngineError(w http.ResponseWriter, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		writeAPIError(w, "InternalError", err.Error(), http.StatusInternalServerError)
		return
	}
	switch e.Kind {
	case engine.KindNotFound:
		code := "NoSuchKey"
		if e.UploadID != "" {
			code = "NoSuchUpload"
		} else if e.Key == "" {
			code = "NoSuchBucket"
		}
		writeAPIError(w, code, e.Error(), http.StatusNotFound)
	case engine.KindConflict:
		writeAPIError(w, "PreconditionFailed", e.Error(), http.StatusPreconditionFailed)
	case engine.KindValidation:
		writeAPIError(w, "InvalidRequest", e.Error(), http.StatusBadRequest)
	case engine.KindBackendTransient:
		writeAPIError(w, "SlowDown", e.Error(), http.StatusServiceUnavailable)
	default:
		writeAPIError(w, "InternalError", e.Error(), http.StatusInternalServerError)
	}
}

type listBucketsResult struct {
	XMLName xml.Name    `xml:"ListAllMyBucketsResult"`
	Buckets []xmlBucket `xml:"Buckets>Bucket"`
}

type xmlBucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type listObjectsResult struct {
	XMLName               xml.Name    `xml:"ListBucketResult"`
	Name                  string      `xml:"Name"`
	Prefix                string      `xml:"Prefix,omitempty"`
	KeyCount              int         `xml:"KeyCount"`
	IsTruncated           bool        `xml:"IsTruncated"`
	NextContinuationToken string      `xml:"NextContinuationToken,omitempty"`
	Contents              []xmlObject `xml:"Contents"`
}

type xmlObject struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type listVersionsResult struct {
	XMLName             xml.Name          `xml:"ListVersionsResult"`
	Name                string            `xml:"Name"`
	KeyMarker           string            `xml:"KeyMarker,omitempty"`
	IsTruncated         bool              `xml:"IsTruncated"`
	NextVersionIDMarker string            `xml:"NextVersionIdMarker,omitempty"`
	Versions            []xmlVersion      `xml:"Version"`
	DeleteMarkers       []xmlDeleteMarker `xml:"DeleteMarker"`
}

type xmlVersion struct {
	Key          string `xml:"Key"`
	VersionID    string `xml:"VersionId"`
	IsLatest     bool   `xml:"IsLatest"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type xmlDeleteMarker struct {
	Key          string `xml:"Key"`
	VersionID    string `xml:"VersionId"`
	IsLatest     bool   `xml:"IsLatest"`
	LastModified string `xml:"LastModified"`
}

type versioningConfiguration struct {
	XMLName xml.Name `xml:"VersioningConfiguration"`
	Status  string   `xml:"Status"`
}

type initiateMultipartResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completeMultipartRequest struct {
	XMLName xml.Name         `xml:"CompleteMultipartUpload"`
	Parts   []xmlRequestPart `xml:"Part"`
}

type xmlRequestPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartResult struct {
	XMLName   xml.Name `xml:"CompleteMultipartUploadResult"`
	Bucket    string   `xml:"Bucket"`
	Key       string   `xml:"Key"`
	ETag      string   `xml:"ETag"`
	VersionID string   `xml:"VersionId,omitempty"`
}

type listPartsResult struct {
	XMLName  xml.Name      `xml:"ListPartsResult"`
	Bucket   string        `xml:"Bucket"`
	Key      string        `xml:"Key"`
	UploadID string        `xml:"UploadId"`
	Parts    []xmlListPart `xml:"Part"`
}

type xmlListPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
	Size       int64  `xml:"Size"`
}
