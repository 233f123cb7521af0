package agena

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/taskmgr818/agena-batch/pkg/auth"
	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/calc"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// tokenServer grants or refuses every password grant
type tokenServer struct {
	mu     sync.Mutex
	refuse bool
	grants []string
}

func (ts *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	ts.mu.Lock()
	ts.grants = append(ts.grants, r.PostForm.Get("grant_type"))
	refuse := ts.refuse
	ts.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if refuse {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid user credentials"}`))
		return
	}
	w.Write([]byte(`{"access_token":"tok-1","expires_in":300,"refresh_token":"ref-1","refresh_expires_in":1800}`))
}

// calcServer answers every calculation synchronously and records the
// Authorization header it saw.
type calcServer struct {
	mu    sync.Mutex
	auths []string
	ids   []string
}

func (cs *calcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DataSet struct {
			ID string `json:"id"`
		} `json:"dataSet"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	cs.mu.Lock()
	cs.auths = append(cs.auths, r.Header.Get("Authorization"))
	cs.ids = append(cs.ids, body.DataSet.ID)
	cs.mu.Unlock()

	w.Write([]byte(`{"status":"success","results":[{"node":"A"}],"duration":{"calculation":"100","turnaround":120}}`))
}

func testSession(tokenURL, server string) *Session {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())

	cfg := config.Default()
	cfg.Auth.TokenURL = tokenURL
	cfg.Auth.RefreshInterval = int(time.Hour / time.Millisecond)
	cfg.API.Server = server
	return NewSession(cfg, log)
}

func TestSession(t *testing.T) {
	Convey("Given a token endpoint and a calculation server", t, func() {
		ts := &tokenServer{}
		tokenSrv := httptest.NewServer(ts)
		defer tokenSrv.Close()
		cs := &calcServer{}
		calcSrv := httptest.NewServer(cs)
		defer calcSrv.Close()

		s := testSession(tokenSrv.URL, calcSrv.URL)
		defer s.Close()
		ctx := context.Background()

		Convey("Logging in without a username fails at once", func() {
			err := s.LogIn(ctx, "", "")
			So(model.PreconditionError.Contains(err), ShouldBeTrue)
			So(ts.grants, ShouldBeEmpty)
		})

		Convey("After logging in every request carries the token", func() {
			before := time.Now()
			So(s.LogIn(ctx, "alice", "secret"), ShouldBeNil)

			tok := s.AccessToken()
			So(tok.AccessToken, ShouldEqual, "tok-1")
			So(tok.AccessTokenExpiry, ShouldHappenOnOrBetween, before.Add(300*time.Second), time.Now().Add(300*time.Second))
			So(s.AuthState(), ShouldEqual, auth.StateAuthenticated)

			resp := s.Calculate(ctx, &calc.Job{AppID: "app"})
			So(resp.Succeeded(), ShouldBeTrue)
			So(resp.CalculationTime(), ShouldResemble, model.MillisOf(100))
			So(cs.auths, ShouldResemble, []string{"Bearer tok-1"})

			Convey("and logging out drops it", func() {
				s.LogOut()
				s.LogOut()
				So(s.AccessToken(), ShouldResemble, model.TokenState{})
				So(s.Config().Auth.Username, ShouldEqual, "")

				s.Calculate(ctx, &calc.Job{AppID: "app"})
				So(cs.auths[1], ShouldEqual, "")
			})
		})

		Convey("A refused login leaves requests unauthenticated", func() {
			ts.refuse = true
			So(s.LogIn(ctx, "alice", "wrong"), ShouldBeNil)

			So(s.AccessToken().AccessToken, ShouldEqual, "")
			So(s.AuthState(), ShouldEqual, auth.StateLoggedOut)

			s.Calculate(ctx, &calc.Job{AppID: "app"})
			So(cs.auths, ShouldResemble, []string{""})
		})

		Convey("A batch goes through the scheduler", func() {
			So(s.LogIn(ctx, "alice", "secret"), ShouldBeNil)
			dss := []*model.Dataset{{ID: "a"}, {ID: "b"}, {ID: "c"}}
			var errs []batch.DatasetError

			report := s.CalculateBatch(ctx, dss, batch.Options{AppID: "app", Errors: &errs})

			So(report.Results, ShouldHaveLength, 3)
			So(errs, ShouldBeEmpty)
			So(cs.ids, ShouldHaveLength, 3)
			So(report.Stats.Waves, ShouldEqual, 2)
		})

		Convey("Init merges patches additively", func() {
			var first config.Patch
			first.API.PollInterval = config.Int(2000)
			So(s.Init(first), ShouldBeNil)

			var p config.Patch
			p.API.DebugResponse = config.Bool(true)
			So(s.Init(p), ShouldBeNil)

			cfg := s.Config()
			So(cfg.API.PollInterval, ShouldEqual, 2000)
			So(cfg.API.DebugResponse, ShouldBeTrue)
			So(cfg.API.Server, ShouldEqual, calcSrv.URL)

			resp := s.Calculate(ctx, &calc.Job{AppID: "app"})
			So(resp.DebugResponse, ShouldNotBeNil)

			Convey("and rejects invalid values without applying them", func() {
				var bad config.Patch
				bad.API.PollInterval = config.Int(0)
				So(s.Init(bad), ShouldNotBeNil)
				So(s.Config().API.PollInterval, ShouldEqual, 2000)
			})
		})
	})
}
