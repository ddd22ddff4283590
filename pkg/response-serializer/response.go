package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	methodHeaderName   = "Swcache-Method"
	urlHeaderName      = "Swcache-Url"
	storedAtHeaderName = "Swcache-Stored-At"
)

// StoredResponse is a captured response together with the request descriptor
// it was stored under.
type StoredResponse struct {
	Method string
	URL    string
	// The value of the clock when the response was written to the store.
	StoredAt time.Time

	StatusCode int
	Header     http.Header
	Body       []byte
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the response.
// The request descriptor and the store time travel as extra header fields,
// which are stripped again by BytesToStoredResponse.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	header := sRes.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(methodHeaderName, sRes.Method)
	header.Set(urlHeaderName, sRes.URL)
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	header.Del("Content-Length")

	res := &http.Response{
		StatusCode:    sRes.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
		ContentLength: int64(len(sRes.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes created by StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored-at: %w", err)
	}
	sRes.Method = res.Header.Get(methodHeaderName)
	sRes.URL = res.Header.Get(urlHeaderName)
	sRes.StoredAt = time.Unix(0, storedAt)
	sRes.StatusCode = res.StatusCode
	sRes.Body = body
	// delete extra headers
	res.Header.Del(methodHeaderName)
	res.Header.Del(urlHeaderName)
	res.Header.Del(storedAtHeaderName)
	res.Header.Del("Content-Length")
	sRes.Header = res.Header
	return sRes, nil
}
