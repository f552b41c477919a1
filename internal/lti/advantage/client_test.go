package advantage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/mind-engage/lti-middleware/internal/lti"
	"github.com/mind-engage/lti-middleware/internal/lti/advantage"
)

func newTokenService(t *testing.T) *lti.TokenService {
	t.Helper()
	key, err := lti.LoadToolKey("OWNKEY", "")
	if err != nil {
		t.Fatalf("tool key: %v", err)
	}
	return &lti.TokenService{Key: key, ToolIssuer: "https://tool.example.com"}
}

// serveToken handles the client-credentials grant on a test mux.
func serveToken(mux *http.ServeMux) {
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
}

func TestGetLineItemsFollowsPagination(t *testing.T) {
	mux := http.NewServeMux()
	serveToken(mux)
	var srv *httptest.Server
	mux.HandleFunc("/lineitems", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("authorization = %q", got)
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		var items []advantage.LineItem
		for i := 0; i < 10; i++ {
			items = append(items, advantage.LineItem{
				ID:    fmt.Sprintf("%s/lineitems/%d", srv.URL, (page-1)*10+i),
				Label: fmt.Sprintf("Item %d", (page-1)*10+i),
			})
		}
		if page < 3 {
			w.Header().Set("Link", fmt.Sprintf(`<%s/lineitems?page=%d>; rel="next"`, srv.URL, page+1))
		}
		w.Header().Set("Content-Type", "application/vnd.ims.lis.v2.lineitemcontainer+json")
		_ = json.NewEncoder(w).Encode(items)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := &advantage.Client{Broker: &advantage.Broker{Tokens: newTokenService(t)}}
	dep := lti.PlatformDeployment{ClientID: "client-1", OAuth2URL: srv.URL + "/token"}

	items, err := c.GetLineItems(context.Background(), dep, srv.URL+"/lineitems")
	if err != nil {
		t.Fatalf("get line items: %v", err)
	}
	if len(items) != 30 {
		t.Fatalf("items = %d, want 30 across 3 pages", len(items))
	}
	if items[0].Label != "Item 0" || items[29].Label != "Item 29" {
		t.Errorf("page order broken: first %q last %q", items[0].Label, items[29].Label)
	}
}

func TestGetLineItemsFollowsMultiParamLink(t *testing.T) {
	mux := http.NewServeMux()
	serveToken(mux)
	var srv *httptest.Server
	mux.HandleFunc("/lineitems", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode([]advantage.LineItem{{ID: "li-2"}})
			return
		}
		// rel comes after another parameter, as platforms are allowed to send it.
		w.Header().Set("Link", fmt.Sprintf(`<%s/lineitems?page=2>; title="x"; rel="next"`, srv.URL))
		_ = json.NewEncoder(w).Encode([]advantage.LineItem{{ID: "li-1"}})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := &advantage.Client{Broker: &advantage.Broker{Tokens: newTokenService(t)}}
	dep := lti.PlatformDeployment{ClientID: "client-1", OAuth2URL: srv.URL + "/token"}

	items, err := c.GetLineItems(context.Background(), dep, srv.URL+"/lineitems")
	if err != nil {
		t.Fatalf("get line items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2 pages followed", len(items))
	}
}

func TestGetLineItemsAbortsOnErrorPage(t *testing.T) {
	mux := http.NewServeMux()
	serveToken(mux)
	var srv *httptest.Server
	mux.HandleFunc("/lineitems", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/lineitems?page=2>; rel="next"`, srv.URL))
		_ = json.NewEncoder(w).Encode([]advantage.LineItem{{Label: "Item 0"}})
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := &advantage.Client{Broker: &advantage.Broker{Tokens: newTokenService(t)}}
	dep := lti.PlatformDeployment{ClientID: "client-1", OAuth2URL: srv.URL + "/token"}

	items, err := c.GetLineItems(context.Background(), dep, srv.URL+"/lineitems")
	if err == nil {
		t.Fatal("error page did not abort the operation")
	}
	if items != nil {
		t.Errorf("partial pages leaked: %v", items)
	}
	var ce *lti.ConnectionError
	if !errors.As(err, &ce) {
		t.Errorf("err = %T, want ConnectionError", err)
	}
}

func TestPostScoreRefetchesResults(t *testing.T) {
	mux := http.NewServeMux()
	serveToken(mux)
	var postedScore advantage.Score
	mux.HandleFunc("/li/1/scores", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/vnd.ims.lis.v1.score+json" {
			t.Errorf("score content type = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&postedScore)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/li/1/results", func(w http.ResponseWriter, r *http.Request) {
		score := 0.9
		_ = json.NewEncoder(w).Encode([]advantage.Result{
			{UserID: "user-1", ResultScore: &score},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := &advantage.Client{Broker: &advantage.Broker{Tokens: newTokenService(t)}}
	dep := lti.PlatformDeployment{ClientID: "client-1", OAuth2URL: srv.URL + "/token"}

	given := 0.9
	results, err := c.PostScore(context.Background(), dep, srv.URL+"/li/1", advantage.Score{
		UserID:           "user-1",
		ScoreGiven:       &given,
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
	})
	if err != nil {
		t.Fatalf("post score: %v", err)
	}
	if postedScore.UserID != "user-1" || postedScore.Timestamp == "" {
		t.Errorf("posted = %+v, want user and a default timestamp", postedScore)
	}
	if len(results) != 1 || results[0].UserID != "user-1" {
		t.Errorf("results = %+v", results)
	}
}

func TestGetMembershipAccumulatesPages(t *testing.T) {
	mux := http.NewServeMux()
	serveToken(mux)
	var srv *httptest.Server
	mux.HandleFunc("/members", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		container := map[string]any{
			"id": srv.URL + "/members",
			"members": []advantage.CourseUser{
				{UserID: "user-" + page, Roles: []string{"Learner"}},
			},
		}
		if page == "" {
			container["members"] = []advantage.CourseUser{{UserID: "user-1"}}
			w.Header().Set("Link", fmt.Sprintf(`<%s/members?page=2>; rel="next"`, srv.URL))
		}
		_ = json.NewEncoder(w).Encode(container)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := &advantage.Client{Broker: &advantage.Broker{Tokens: newTokenService(t)}}
	dep := lti.PlatformDeployment{ClientID: "client-1", OAuth2URL: srv.URL + "/token"}

	members, err := c.GetMembership(context.Background(), dep, srv.URL+"/members")
	if err != nil {
		t.Fatalf("get membership: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2 across pages", len(members))
	}
	if members[0].UserID != "user-1" || members[1].UserID != "user-2" {
		t.Errorf("members = %+v", members)
	}
}

func TestLineItemURL(t *testing.T) {
	cases := []struct {
		lineitems, id, want string
	}{
		{
			// Moodle keeps a query string that must survive the splice.
			"https://moodle.example.com/mod/lti/services.php/2/lineitems?type_id=2",
			"3",
			"https://moodle.example.com/mod/lti/services.php/2/lineitems/3/lineitem?type_id=2",
		},
		{
			"https://canvas.example.com/api/lti/courses/1/line_items",
			"7",
			"https://canvas.example.com/api/lti/courses/1/line_items/7",
		},
		{
			"https://canvas.example.com/api/lti/courses/1/line_items/",
			"7",
			"https://canvas.example.com/api/lti/courses/1/line_items/7",
		},
	}
	for _, c := range cases {
		if got := advantage.LineItemURL(c.lineitems, c.id); got != c.want {
			t.Errorf("LineItemURL(%q, %q) = %q, want %q", c.lineitems, c.id, got, c.want)
		}
	}
}
