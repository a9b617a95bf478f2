// ABOUTME: Client-side request signing for the control center
// ABOUTME: Applies the same canonical path rule and payload as the verifying gate

package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrNoSecret is returned when signing is attempted without a secret.
var ErrNoSecret = errors.New("auth: signing secret is empty")

// SignRequest sets the timestamp and signature headers on req for the given
// time. The body is read and replaced so the request can still be sent.
func SignRequest(req *http.Request, secret string, now time.Time) error {
	if secret == "" {
		return ErrNoSecret
	}

	body := []byte{}
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		_ = req.Body.Close()
		body = data
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	timestamp := strconv.FormatInt(now.Unix(), 10)
	signature := NewEngine(secret).Generate(timestamp, req.Method, CanonicalPath(req.URL), body)

	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	return nil
}
