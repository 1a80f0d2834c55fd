package registry

import (
	"net/http"
	"time"
)

type RequestLog struct {
	Method   string
	URL      string
	Headers  map[string][]string
	Status   int
	Duration time.Duration
}

type RequestLogger func(RequestLog)

func logRequestWithLogger(logger RequestLogger, req *http.Request, resp *http.Response, started time.Time) {
	if logger == nil {
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	logger(RequestLog{
		Method:   req.Method,
		URL:      req.URL.String(),
		Headers:  cloneHeader(req.Header),
		Status:   status,
		Duration: time.Since(started),
	})
}
