package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// Per-part byte caps from spec.md §4.8.
const (
	maxMainBytes          = 5 * 1024 * 1024
	maxQuestionStateBytes = 2 * 1024 * 1024
)

// parsedRequest is the pipeline's output: the three recognized parts, with
// the package part's hash computed during the read (spec.md §4.8).
type parsedRequest struct {
	main             []byte
	hasPackage       bool
	packageData      []byte
	packageHash      string
	hasQuestionState bool
	questionState    []byte
}

// parseRequest implements spec.md §4.8's body parsing: a bare JSON document
// is treated as the "main" part; multipart/form-data is split into main,
// package, and question_state parts, each capped, with unknown parts
// skipped.
func parseRequest(r *http.Request, maxPackageBytes int64) (*parsedRequest, error) {
	ct := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, newRequestError(ErrInvalidRequest, false, "missing or malformed Content-Type")
	}

	if mediaType == "application/json" {
		data, tooLarge, err := readCapped(r.Body, maxMainBytes)
		if err != nil {
			return nil, newRequestError(ErrInvalidRequest, false, "failed to read request body")
		}
		if tooLarge {
			return nil, newRequestError(ErrInvalidRequest, false, "main part exceeds size limit").withStatus(http.StatusRequestEntityTooLarge)
		}
		return &parsedRequest{main: data}, nil
	}

	if mediaType != "multipart/form-data" {
		return nil, newRequestError(ErrInvalidRequest, false, "unsupported content type "+mediaType)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, newRequestError(ErrInvalidRequest, false, "multipart request missing boundary")
	}

	out := &parsedRequest{}
	mr := multipart.NewReader(r.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newRequestError(ErrInvalidRequest, false, "malformed multipart body")
		}

		switch part.FormName() {
		case "main":
			data, tooLarge, err := readCapped(part, maxMainBytes)
			if err != nil {
				return nil, newRequestError(ErrInvalidRequest, false, "failed to read main part")
			}
			if tooLarge {
				return nil, newRequestError(ErrInvalidRequest, false, "main part exceeds size limit").withStatus(http.StatusRequestEntityTooLarge)
			}
			out.main = data

		case "package":
			data, hash, tooLarge, err := readCappedHashed(part, maxPackageBytes)
			if err != nil {
				return nil, newRequestError(ErrInvalidRequest, false, "failed to read package part")
			}
			if tooLarge {
				return nil, newRequestError(ErrInvalidRequest, false, "package part exceeds configured max package size").withStatus(http.StatusRequestEntityTooLarge)
			}
			out.hasPackage = true
			out.packageData = data
			out.packageHash = hash

		case "question_state":
			data, tooLarge, err := readCapped(part, maxQuestionStateBytes)
			if err != nil {
				return nil, newRequestError(ErrInvalidRequest, false, "failed to read question_state part")
			}
			if tooLarge {
				return nil, newRequestError(ErrInvalidRequest, false, "question_state part exceeds size limit").withStatus(http.StatusRequestEntityTooLarge)
			}
			out.hasQuestionState = true
			out.questionState = data

		default:
			// Unknown parts are skipped (spec.md §4.8).
			io.Copy(io.Discard, part)
		}
		part.Close()
	}

	return out, nil
}

// readCapped reads at most limit+1 bytes, reporting tooLarge if the part
// exceeded limit (spec.md §4.8: "Exceeding any cap yields HTTP 413").
func readCapped(r io.Reader, limit int64) (data []byte, tooLarge bool, err error) {
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		return nil, true, nil
	}
	return buf, false, nil
}

// readCappedHashed is readCapped plus a running SHA-256 over the bytes
// actually admitted, used for the package part (spec.md §4.8: "hashed
// during read").
func readCappedHashed(r io.Reader, limit int64) (data []byte, hash string, tooLarge bool, err error) {
	var buf bytes.Buffer
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, h), io.LimitReader(r, limit+1))
	if err != nil {
		return nil, "", false, err
	}
	if n > limit {
		return nil, "", true, nil
	}
	return buf.Bytes(), hex.EncodeToString(h.Sum(nil)), false, nil
}

// decodeMain unmarshals the main part into dst, reporting spec.md §4.8
// check 1 ("Main-body required ... respond 400 with error code
// INVALID_REQUEST") on any validation failure. An empty main part is
// treated as "{}" so handlers with an all-optional envelope still work.
func decodeMain(parsed *parsedRequest, dst any) error {
	body := parsed.main
	if len(body) == 0 {
		body = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return newRequestError(ErrInvalidRequest, false, "main: "+err.Error())
	}
	return nil
}

// requireQuestionState implements pipeline check 2: if the handler needs
// question state, its absence is a 400 unless notFoundOnMissing says a 404
// NotFoundStatus is more appropriate for this route. attempt/start passes
// false (a missing question_state there is a malformed request); attempt/view
// and attempt/score pass true, since both only ever continue an attempt that
// a prior attempt/start call already produced state for.
func requireQuestionState(parsed *parsedRequest, notFoundOnMissing bool) ([]byte, error) {
	if parsed.hasQuestionState {
		return parsed.questionState, nil
	}
	if notFoundOnMissing {
		return nil, notFound(WhatQuestionState)
	}
	return nil, newRequestError(ErrInvalidRequest, false, "question_state is required")
}

func contentTypeIsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}
