// Package dhis2 pulls indicator counts from a DHIS2 instance and writes them
// as an HMIS CSV, so remote data goes through the same staging path as
// uploaded files.
package dhis2

import (
	"context"
	stdcsv "encoding/csv"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"healthetl/internal/dataset"
	"healthetl/internal/metrics"
)

const analyticsPath = "/api/analytics/dataValueSet.json"

// Header is the first line of every CSV written by FetchAnalytics.
var Header = []string{
	dataset.FieldFacilityID,
	dataset.FieldIndicatorRawID,
	dataset.FieldPeriodID,
	dataset.FieldCount,
}

// Mapping is the column mapping matching Header.
func Mapping() map[string]string {
	m := make(map[string]string, len(Header))
	for _, h := range Header {
		m[h] = h
	}
	return m
}

var ErrEmptySelection = errors.Wrap(dataset.ErrBadParameter, "dhis2 selection needs indicators, periods and org units")

type Client struct {
	BaseURL  string
	Username string
	Password string
	HTTP     *http.Client

	Attempts uint
	Delay    time.Duration
}

// NewClient returns a client for api. The password is resolved by the
// caller from api.CredentialsRef.
func NewClient(api dataset.ExternalAPI, password string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(api.BaseURL, "/"),
		Username: api.Username,
		Password: password,
		HTTP:     &http.Client{Timeout: 2 * time.Minute},
		Attempts: 3,
		Delay:    500 * time.Millisecond,
	}
}

// FetchAnalytics requests the selection one period at a time and writes one
// CSV row per data value. It returns the number of rows written.
func (c *Client) FetchAnalytics(ctx context.Context, sel dataset.DHIS2Selection, w io.Writer) (int64, error) {
	if len(sel.Indicators) == 0 || len(sel.Periods) == 0 || len(sel.OrgUnits) == 0 {
		return 0, ErrEmptySelection
	}
	out := stdcsv.NewWriter(w)
	if err := out.Write(Header); err != nil {
		return 0, err
	}

	var rows int64
	for _, period := range sel.Periods {
		var body []byte
		err := retry.Do(
			func() error {
				var err error
				body, err = c.get(ctx, c.analyticsURL(sel, period))
				return err
			},
			retry.Attempts(c.attempts()),
			retry.LastErrorOnly(true),
			retry.Delay(c.Delay),
			retry.DelayType(retry.BackOffDelay),
			retry.Context(ctx),
		)
		if err != nil {
			return rows, errors.Wrapf(err, "fetch period %s", period)
		}

		n, err := writeDataValues(out, body)
		rows += n
		if err != nil {
			return rows, errors.Wrapf(err, "period %s", period)
		}
	}
	out.Flush()
	return rows, out.Error()
}

func (c *Client) attempts() uint {
	if c.Attempts == 0 {
		return 1
	}
	return c.Attempts
}

func (c *Client) analyticsURL(sel dataset.DHIS2Selection, period string) string {
	q := url.Values{}
	q.Add("dimension", "dx:"+strings.Join(sel.Indicators, ";"))
	q.Add("dimension", "pe:"+period)
	q.Add("dimension", "ou:"+strings.Join(sel.OrgUnits, ";"))
	return c.BaseURL + analyticsPath + "?" + q.Encode()
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	started := time.Now()
	resp, err := c.HTTP.Do(req)
	status := "transport_error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	labels := metrics.Labels{"client": "dhis2", "status": status}
	metrics.IncCounter(metrics.HTTPRequestsTotal, 1, labels)
	metrics.ObserveHistogram(metrics.HTTPRequestSeconds, time.Since(started).Seconds(), labels)
	if err != nil {
		metrics.IncCounter(metrics.HTTPErrorsTotal, 1, labels)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.IncCounter(metrics.HTTPErrorsTotal, 1, labels)
		err := errors.Newf("dhis2 returned status %d: %s", resp.StatusCode, snippet(body))
		// Client errors other than rate limiting will not fix themselves.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(err)
		}
		return nil, err
	}
	return body, nil
}

func writeDataValues(w *stdcsv.Writer, body []byte) (int64, error) {
	if !gjson.ValidBytes(body) {
		return 0, errors.New("dhis2 response is not valid JSON")
	}
	values := gjson.GetBytes(body, "dataValues")
	if !values.Exists() {
		return 0, nil
	}
	if !values.IsArray() {
		return 0, errors.New("dhis2 response: dataValues is not an array")
	}

	var n int64
	var werr error
	record := make([]string, len(Header))
	values.ForEach(func(_, v gjson.Result) bool {
		record[0] = v.Get("orgUnit").String()
		record[1] = v.Get("dataElement").String()
		record[2] = v.Get("period").String()
		record[3] = v.Get("value").String()
		if werr = w.Write(record); werr != nil {
			return false
		}
		n++
		return true
	})
	return n, werr
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
