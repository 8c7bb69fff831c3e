// Package stratum implements the Stratum v1 wire format used on both sides
// of the proxy: newline-delimited JSON-RPC 1.0-style records.
package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is one decoded Stratum line. Frames are kept as generic maps because
// the proxy mostly passes them through, and the compatibility rules below are
// about field *presence*, which struct tags cannot express:
//
//   - responses to a pool must carry "error": null when "id" is non-null,
//   - notifications to a miner must NOT carry "jsonrpc" or "id" (not even
//     id:null); several miner firmwares disconnect otherwise.
type Frame map[string]any

// Decode parses a single line into a Frame.
func Decode(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(bytes.TrimSpace(line), &f); err != nil {
		return nil, fmt.Errorf("decode stratum line: %w", err)
	}
	return f, nil
}

// Encode serializes a Frame as minified JSON followed by a newline.
// Responses with a non-null id and a result but no error key get
// "error": null injected; some pools reject the response otherwise.
func Encode(f Frame) []byte {
	if f.HasID() && f["id"] != nil {
		_, hasResult := f["result"]
		_, hasError := f["error"]
		if hasResult && !hasError {
			g := f.Clone()
			g["error"] = nil
			f = g
		}
	}
	data, err := json.Marshal(f)
	if err != nil {
		// Frames only ever hold JSON-decoded values plus strings/numbers
		// built here, so marshal cannot fail on well-formed input.
		data = []byte("{}")
	}
	return append(data, '\n')
}

// Method returns the frame's method, or "" when absent.
func (f Frame) Method() string {
	m, _ := f["method"].(string)
	return m
}

// ID returns the frame's id value (may be any JSON scalar) and whether the
// key is present at all.
func (f Frame) ID() (any, bool) {
	v, ok := f["id"]
	return v, ok
}

// HasID reports whether the id key is present.
func (f Frame) HasID() bool {
	_, ok := f["id"]
	return ok
}

// IsResponse reports whether the frame is a response: it has an id and no
// method. Classification is by field presence, per the protocol.
func (f Frame) IsResponse() bool {
	return f.HasID() && f.Method() == ""
}

// Params returns the frame's params array, or nil.
func (f Frame) Params() []any {
	p, _ := f["params"].([]any)
	return p
}

// ResultBool reports whether the frame's result is truthy (shares and
// authorize responses use a bare boolean result).
func (f Frame) ResultBool() bool {
	switch v := f["result"].(type) {
	case bool:
		return v
	case nil:
		return false
	default:
		return true
	}
}

// Clone returns a shallow copy safe for field-level rewrites.
func (f Frame) Clone() Frame {
	g := make(Frame, len(f)+1)
	for k, v := range f {
		g[k] = v
	}
	return g
}

// SanitizeNotification strips JSON-RPC 2.0 fields from a server-to-miner
// notification. Applied to every downstream frame that carries a method.
func SanitizeNotification(f Frame) Frame {
	if f.Method() == "" {
		return f
	}
	g := f.Clone()
	delete(g, "jsonrpc")
	delete(g, "id")
	return g
}

// NewRequest builds a client-originated request frame.
func NewRequest(id any, method string, params []any) Frame {
	if params == nil {
		params = []any{}
	}
	return Frame{"id": id, "method": method, "params": params}
}

// NewNotification builds a server-to-client notification (no id).
func NewNotification(method string, params []any) Frame {
	return Frame{"method": method, "params": params}
}

// NewErrorResponse builds a local rejection in the error shape pools use.
func NewErrorResponse(id any, code int, message string) Frame {
	return Frame{
		"id":     id,
		"result": false,
		"error":  map[string]any{"code": code, "message": message, "data": nil},
	}
}

// paramString returns params[i] as a string, or "" when missing.
func paramString(f Frame, i int) string {
	p := f.Params()
	if i >= len(p) || p[i] == nil {
		return ""
	}
	return fmt.Sprintf("%v", p[i])
}

// JobIDFromNotify extracts the job id from a mining.notify frame.
func JobIDFromNotify(f Frame) string {
	return paramString(f, 0)
}

// JobIDFromSubmit extracts the job id from a mining.submit frame.
// Submit params: [user, job_id, extranonce2, ntime, nonce, versionbits?].
func JobIDFromSubmit(f Frame) string {
	return paramString(f, 1)
}

// SubmitFingerprint identifies a share independently of the submitting user
// and message id, so miner retries can be deduplicated.
type SubmitFingerprint struct {
	JobID       string
	Extranonce2 string
	NTime       string
	Nonce       string
	VersionBits string
}

// FingerprintFromSubmit builds the dedupe key for a mining.submit frame.
func FingerprintFromSubmit(f Frame) SubmitFingerprint {
	return SubmitFingerprint{
		JobID:       paramString(f, 1),
		Extranonce2: paramString(f, 2),
		NTime:       paramString(f, 3),
		Nonce:       paramString(f, 4),
		VersionBits: paramString(f, 5),
	}
}

// ForceCleanJobs returns a copy of a mining.notify frame with the 9th param
// (clean_jobs) set to true, padding shorter param arrays with nulls. Every
// notify the proxy forwards is clean: the miner must never keep extending a
// prev-hash that belongs to the other pool.
func ForceCleanJobs(f Frame) Frame {
	g := f.Clone()
	p := append([]any(nil), g.Params()...)
	if len(p) == 0 {
		return g
	}
	for len(p) < 9 {
		p = append(p, nil)
	}
	p[len(p)-1] = true
	g["params"] = p
	return g
}

// ExtranonceFromSubscribeResult parses [..., extranonce1, extranonce2_size]
// out of a mining.subscribe response. Returns ok=false when the result does
// not have the expected shape.
func ExtranonceFromSubscribeResult(f Frame) (en1 string, en2size int, ok bool) {
	res, isList := f["result"].([]any)
	if !isList || len(res) < 3 {
		return "", 0, false
	}
	if res[1] == nil || res[2] == nil {
		return "", 0, false
	}
	en1 = fmt.Sprintf("%v", res[1])
	size, isNum := res[2].(float64)
	if !isNum {
		return "", 0, false
	}
	return en1, int(size), true
}
