package lti_test

import (
	"context"
	"testing"
	"time"

	"github.com/mind-engage/lti-middleware/internal/lti"
)

func seedDeployment(t *testing.T, deps *SQLDeps) lti.PlatformDeployment {
	t.Helper()
	dep, err := deps.Registry.Save(context.Background(), lti.PlatformDeployment{
		Iss:          "https://platform.example.com",
		ClientID:     "client-1",
		DeploymentID: "dep-1",
		OIDCEndpoint: "https://platform.example.com/auth",
	})
	if err != nil {
		t.Fatalf("save deployment: %v", err)
	}
	return dep
}

func TestReconcileFirstLaunchCreatesEntities(t *testing.T) {
	deps := openTestDB(t, "reconcile_create")
	dep := seedDeployment(t, deps)
	ctx := context.Background()

	lr := lti.ParseLaunch(resourceLinkClaims(time.Now()))
	rc := &lti.Reconciler{Store: deps.Store}

	changes, err := rc.Reconcile(ctx, lr, &dep)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// Context, user and membership rows; the launch names tool link hw-1
	// but no such tool link exists, so no link row.
	if changes != 3 {
		t.Errorf("changes = %d, want 3", changes)
	}

	cxt, err := deps.Store.FindContext(ctx, "course-1", dep.ID)
	if err != nil || cxt == nil {
		t.Fatalf("find context: %v %v", cxt, err)
	}
	if cxt.Title != "Algebra" || cxt.RootOutcomeKey == "" || cxt.LineItemsSynced {
		t.Errorf("context = %+v", cxt)
	}
	usr, err := deps.Store.FindUser(ctx, "user-1", dep.ID)
	if err != nil || usr == nil {
		t.Fatalf("find user: %v %v", usr, err)
	}
	if usr.DisplayName != "Ada Lovelace" || usr.LMSUserID != "42" {
		t.Errorf("user = %+v", usr)
	}
	mem, err := deps.Store.FindMembership(ctx, usr.ID, cxt.ID)
	if err != nil || mem == nil {
		t.Fatalf("find membership: %v %v", mem, err)
	}
	if mem.RoleRank != lti.RankInstructor {
		t.Errorf("rank = %d", mem.RoleRank)
	}
	if link, _ := deps.Store.FindLink(ctx, "hw-1", cxt.ID); link != nil {
		t.Errorf("unknown tool link produced a row: %+v", link)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	deps := openTestDB(t, "reconcile_idempotent")
	dep := seedDeployment(t, deps)
	ctx := context.Background()

	lr := lti.ParseLaunch(resourceLinkClaims(time.Now()))
	rc := &lti.Reconciler{Store: deps.Store}

	if _, err := rc.Reconcile(ctx, lr, &dep); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	changes, err := rc.Reconcile(ctx, lr, &dep)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if changes != 0 {
		t.Errorf("replayed launch made %d changes, want 0", changes)
	}
}

func TestReconcileTracksDrift(t *testing.T) {
	deps := openTestDB(t, "reconcile_drift")
	dep := seedDeployment(t, deps)
	ctx := context.Background()
	rc := &lti.Reconciler{Store: deps.Store}

	if _, err := rc.Reconcile(ctx, lti.ParseLaunch(resourceLinkClaims(time.Now())), &dep); err != nil {
		t.Fatalf("seed reconcile: %v", err)
	}

	// Course renamed and the user demoted to learner.
	claims := resourceLinkClaims(time.Now())
	claims[lti.ClaimContext] = map[string]any{"id": "course-1", "title": "Algebra II"}
	claims[lti.ClaimRoles] = []any{lti.RoleMembershipLearner}
	changes, err := rc.Reconcile(ctx, lti.ParseLaunch(claims), &dep)
	if err != nil {
		t.Fatalf("drift reconcile: %v", err)
	}
	if changes != 2 {
		t.Errorf("changes = %d, want 2 (context title, membership rank)", changes)
	}

	cxt, _ := deps.Store.FindContext(ctx, "course-1", dep.ID)
	if cxt.Title != "Algebra II" {
		t.Errorf("title = %q", cxt.Title)
	}
	usr, _ := deps.Store.FindUser(ctx, "user-1", dep.ID)
	mem, _ := deps.Store.FindMembership(ctx, usr.ID, cxt.ID)
	if mem.RoleRank != lti.RankGeneral {
		t.Errorf("rank = %d, want %d", mem.RoleRank, lti.RankGeneral)
	}
}

func TestReconcileBindsKnownToolLink(t *testing.T) {
	deps := openTestDB(t, "reconcile_link")
	dep := seedDeployment(t, deps)
	ctx := context.Background()

	if err := deps.Store.SaveToolLink(ctx, lti.ToolLink{
		ID:         "hw-1",
		Title:      "Homework 1",
		MaxGrade:   100,
		Assignment: true,
	}); err != nil {
		t.Fatalf("save tool link: %v", err)
	}

	lr := lti.ParseLaunch(resourceLinkClaims(time.Now()))
	rc := &lti.Reconciler{Store: deps.Store}
	changes, err := rc.Reconcile(ctx, lr, &dep)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if changes != 4 {
		t.Errorf("changes = %d, want 4", changes)
	}
	cxt, _ := deps.Store.FindContext(ctx, "course-1", dep.ID)
	link, err := deps.Store.FindLink(ctx, "hw-1", cxt.ID)
	if err != nil || link == nil {
		t.Fatalf("find link: %v %v", link, err)
	}
	if link.ResourceLinkID != "rl-1" || link.Title != "Homework 1" {
		t.Errorf("link = %+v", link)
	}
}

func TestMarkContextSynced(t *testing.T) {
	deps := openTestDB(t, "reconcile_synced")
	dep := seedDeployment(t, deps)
	ctx := context.Background()

	rc := &lti.Reconciler{Store: deps.Store}
	if _, err := rc.Reconcile(ctx, lti.ParseLaunch(resourceLinkClaims(time.Now())), &dep); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	cxt, _ := deps.Store.FindContext(ctx, "course-1", dep.ID)
	if err := deps.Store.MarkContextSynced(ctx, cxt.ID); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	cxt, _ = deps.Store.FindContext(ctx, "course-1", dep.ID)
	if !cxt.LineItemsSynced {
		t.Error("context not marked synced")
	}
}

func TestSaveToolLinkUpserts(t *testing.T) {
	deps := openTestDB(t, "tool_link_upsert")
	ctx := context.Background()

	if err := deps.Store.SaveToolLink(ctx, lti.ToolLink{ID: "hw-1", Title: "Homework 1", MaxGrade: 50}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := deps.Store.SaveToolLink(ctx, lti.ToolLink{ID: "hw-1", Title: "Homework 1 (revised)", MaxGrade: 100, Assignment: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	tl, err := deps.Store.FindToolLink(ctx, "hw-1")
	if err != nil || tl == nil {
		t.Fatalf("find: %v %v", tl, err)
	}
	if tl.Title != "Homework 1 (revised)" || tl.MaxGrade != 100 || !tl.Assignment {
		t.Errorf("tool link = %+v", tl)
	}
}
