package telemetry

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	report_resty_request   = "resty.request"
	report_resty_response  = "resty.response"
	report_resty_in_flight = "resty.in-flight"
)

type instrumentResty struct {
	tel       API
	idcounter *uint64
	inFlight  *int64
}

// pathOf drops the query string, banks pass tokens in it.
func pathOf(rawURL string) string {
	before, _, _ := strings.Cut(rawURL, "?")
	return before
}

// InstrumentResty reports every request, response and failure made by the
// given client.
func InstrumentResty(client *resty.Client, tel API) {
	var idcounter uint64
	var inFlight int64
	i := instrumentResty{tel: tel, idcounter: &idcounter, inFlight: &inFlight}

	client.OnBeforeRequest(i.onBeforeRequest)
	client.OnAfterResponse(i.onAfterResponse)
	client.OnError(i.onError)
}

type reqCtxKeyType int

var reqCtxKey reqCtxKeyType

type reqCtx struct {
	id uint64
	// startTime does not need to rely on chrono because only the difference
	// between two readings is used.
	startTime time.Time
}

func (i instrumentResty) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	ctx := req.Context()

	id := atomic.AddUint64(i.idcounter, 1)
	ctx = context.WithValue(ctx, reqCtxKey, reqCtx{
		id:        id,
		startTime: time.Now(),
	})
	i.tel.ReportDebug(report_resty_request, id, req.Method, pathOf(req.URL))
	i.tel.ReportCount(report_resty_in_flight, atomic.AddInt64(i.inFlight, 1))

	req.SetContext(ctx)
	return nil
}

func (i instrumentResty) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	atomic.AddInt64(i.inFlight, -1)
	reqCtx, ok := res.Request.Context().Value(reqCtxKey).(reqCtx)
	if !ok {
		i.tel.ReportWarning(report_resty_response, "missing request context", pathOf(res.Request.URL))
		return nil
	}

	i.tel.ReportDebug(
		report_resty_response,
		reqCtx.id,
		time.Since(reqCtx.startTime).String(),
		res.StatusCode(),
	)
	return nil
}

func (i instrumentResty) onError(req *resty.Request, err error) {
	atomic.AddInt64(i.inFlight, -1)
	var duration time.Duration
	reqCtx, ok := req.Context().Value(reqCtxKey).(reqCtx)
	if ok {
		duration = time.Since(reqCtx.startTime)
	}

	i.tel.ReportBroken(
		report_resty_response,
		err,
		req.Method,
		pathOf(req.URL),
		duration,
	)
}
