package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/taskmgr818/agena-batch/pkg/model"
)

func TestClientDo(t *testing.T) {
	Convey("Given a calculation server", t, func() {
		var gotHeader http.Header
		var gotBody string
		var gotQuery url.Values
		reply := func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"success","results":[{"node":"A"}],"duration":{"calculation":10,"turnaround":15}}`))
		}

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Clone()
			gotQuery = r.URL.Query()
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			reply(w)
		}))
		defer srv.Close()

		c := NewClient(0, false)
		ctx := context.Background()

		Convey("A JSON success is decoded with the HTTP code", func() {
			resp := c.Do(ctx, &Request{URL: srv.URL, Body: []byte(`{"a":1}`), BearerToken: "tok"})
			So(resp.Succeeded(), ShouldBeTrue)
			So(resp.Code, ShouldEqual, http.StatusOK)
			So(resp.CalculationTime(), ShouldResemble, model.MillisOf(10))
			So(gotHeader.Get("Authorization"), ShouldEqual, "Bearer tok")
			So(gotHeader.Get("Content-Type"), ShouldEqual, DefaultContentType)
			So(gotBody, ShouldEqual, `{"a":1}`)
			So(resp.DebugResponse, ShouldBeNil)
		})

		Convey("No token means no Authorization header", func() {
			c.Do(ctx, &Request{URL: srv.URL})
			So(gotHeader.Get("Authorization"), ShouldEqual, "")
		})

		Convey("Params are merged into the query string", func() {
			c.Do(ctx, &Request{Method: http.MethodGet, URL: srv.URL + "/poll?job=1", Params: url.Values{"x": {"2"}}})
			So(gotQuery.Get("job"), ShouldEqual, "1")
			So(gotQuery.Get("x"), ShouldEqual, "2")
		})

		Convey("A body code field does not override the HTTP status", func() {
			reply = func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusAccepted)
				w.Write([]byte(`{"status":"pending","code":"QUEUED","pollingUrl":"http://x/poll"}`))
			}
			resp := c.Do(ctx, &Request{URL: srv.URL})
			So(resp.Code, ShouldEqual, http.StatusAccepted)
			So(resp.Pending(), ShouldBeTrue)
		})

		Convey("An error field is a failure even on 200", func() {
			reply = func(w http.ResponseWriter) {
				w.Write([]byte(`{"error":"model not found"}`))
			}
			resp := c.Do(ctx, &Request{URL: srv.URL})
			So(resp.Succeeded(), ShouldBeFalse)
			So(resp.Status, ShouldEqual, model.StatusError)
			So(resp.Messages, ShouldResemble, []string{"OK", "model not found"})
			So(model.RemoteJobError.Contains(resp.Failure()), ShouldBeTrue)
		})

		Convey("A non-JSON body becomes an error with the status text", func() {
			reply = func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("<html>bad gateway</html>"))
			}
			resp := c.Do(ctx, &Request{URL: srv.URL})
			So(resp.Code, ShouldEqual, http.StatusBadGateway)
			So(resp.Messages, ShouldResemble, []string{"Bad Gateway"})
			So(resp.Message, ShouldEqual, "Bad Gateway")
		})

		Convey("debugResponse keeps the raw exchange", func() {
			resp := NewClient(0, true).Do(ctx, &Request{URL: srv.URL})
			So(resp.DebugResponse, ShouldNotBeNil)
			So(resp.DebugResponse.StatusCode, ShouldEqual, http.StatusOK)
			So(resp.DebugResponse.Body, ShouldContainSubstring, `"results"`)
		})
	})

	Convey("A connection failure becomes a transport error response", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		resp := NewClient(0, false).Do(context.Background(), &Request{URL: addr})
		So(resp.Status, ShouldEqual, model.StatusError)
		So(resp.Messages, ShouldHaveLength, 1)
		So(resp.Message, ShouldNotBeEmpty)
		So(model.TransportError.Contains(resp.Failure()), ShouldBeTrue)
	})
}

func TestFilterHeaders(t *testing.T) {
	Convey("Only allow-listed headers pass, whatever their case", t, func() {
		out := FilterHeaders(map[string]string{
			"X-Referer":     "https://example.org",
			"User-ID":       "42",
			"Authorization": "Bearer stolen",
			"X-Other":       "nope",
		})
		So(out, ShouldResemble, map[string]string{
			"X-Referer": "https://example.org",
			"User-ID":   "42",
		})
	})
}
