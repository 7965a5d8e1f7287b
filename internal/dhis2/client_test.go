package dhis2

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthetl/internal/dataset"
)

var selection = dataset.DHIS2Selection{
	Indicators: []string{"anc1", "anc2"},
	Periods:    []string{"202301", "202302"},
	OrgUnits:   []string{"F1"},
}

func newTestClient(url string) *Client {
	c := NewClient(dataset.ExternalAPI{BaseURL: url + "/", Username: "admin"}, "district")
	c.Delay = time.Millisecond
	return c
}

func TestFetchAnalytics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "district", pass)
		assert.Equal(t, analyticsPath, r.URL.Path)

		dims := r.URL.Query()["dimension"]
		require.Len(t, dims, 3)
		assert.Equal(t, "dx:anc1;anc2", dims[0])
		assert.Equal(t, "ou:F1", dims[2])

		period := strings.TrimPrefix(dims[1], "pe:")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dataValues":[
			{"dataElement":"anc1","period":"` + period + `","orgUnit":"F1","value":"12"},
			{"dataElement":"anc2","period":"` + period + `","orgUnit":"F1","value":"3.0"}
		]}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n, err := newTestClient(srv.URL).FetchAnalytics(context.Background(), selection, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t,
		"facility_id,indicator_raw_id,period_id,count\n"+
			"F1,anc1,202301,12\nF1,anc2,202301,3.0\n"+
			"F1,anc1,202302,12\nF1,anc2,202302,3.0\n",
		buf.String())
}

func TestFetchAnalytics_Retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"dataValues":[]}`))
	}))
	defer srv.Close()

	sel := selection
	sel.Periods = []string{"202301"}
	n, err := newTestClient(srv.URL).FetchAnalytics(context.Background(), sel, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchAnalytics_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FetchAnalytics(context.Background(), selection, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchAnalytics_Validation(t *testing.T) {
	_, err := NewClient(dataset.ExternalAPI{}, "").FetchAnalytics(context.Background(), dataset.DHIS2Selection{}, &bytes.Buffer{})
	assert.ErrorIs(t, err, dataset.ErrBadParameter)

	var buf bytes.Buffer
	_, err = writeDataValues(nil, []byte("not json"))
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestMapping(t *testing.T) {
	m := Mapping()
	for _, f := range dataset.RequiredFields(dataset.HMIS) {
		assert.Equal(t, f, m[f])
	}
}
