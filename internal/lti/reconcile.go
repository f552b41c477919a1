// internal/lti/reconcile.go
package lti

import (
	"context"
	"log"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

/*
Entity reconciler.

On every COMPLETE launch the context, user, membership and link rows are
synchronized with the claims, inside one transaction. The operation is
idempotent: replaying an identical launch produces zero changes. The
returned count is inserts plus updates.
*/

type Reconciler struct {
	Store Store
}

func (rc *Reconciler) Reconcile(ctx context.Context, lr *LaunchRequest, dep *PlatformDeployment) (int, error) {
	changes := 0
	err := rc.Store.InTx(ctx, func(st Store) error {
		// Context: insert on first sight, refresh title/URLs after that.
		// Platforms legitimately rename courses and move service endpoints.
		cxt, err := st.FindContext(ctx, lr.ContextID, dep.ID)
		if err != nil {
			return err
		}
		if cxt == nil {
			c, err := st.InsertContext(ctx, LtiContext{
				ContextKey:     lr.ContextID,
				DeploymentID:   dep.ID,
				Title:          lr.ContextTitle,
				MembershipsURL: lr.NRPSURL,
				LineItemsURL:   lr.LineItemsURL,
				RootOutcomeKey: uuid.NewString(),
			})
			if err != nil {
				return err
			}
			cxt = &c
			changes++
		} else if cxt.Title != lr.ContextTitle || cxt.MembershipsURL != lr.NRPSURL || cxt.LineItemsURL != lr.LineItemsURL {
			cxt.Title = lr.ContextTitle
			cxt.MembershipsURL = lr.NRPSURL
			cxt.LineItemsURL = lr.LineItemsURL
			if err := st.UpdateContext(ctx, *cxt); err != nil {
				return err
			}
			changes++
		}

		// Link: only when the launch names a tool link, and only if that
		// tool link actually exists. An unknown id is logged and skipped.
		if linkID := lr.ToolLinkID(); linkID != "" {
			link, err := st.FindLink(ctx, linkID, cxt.ID)
			if err != nil {
				return err
			}
			if link == nil {
				tl, err := st.FindToolLink(ctx, linkID)
				if err != nil {
					return err
				}
				if tl == nil {
					log.Printf("lti: launch references unknown tool link %q, skipping", linkID)
				} else {
					if _, err := st.InsertLink(ctx, LtiLink{
						LinkKey:        linkID,
						ContextID:      cxt.ID,
						ResourceLinkID: lr.ResourceLinkID,
						Title:          tl.Title,
					}); err != nil {
						return err
					}
					changes++
				}
			}
		}

		// User: insert on first sight, update on name/email/lms-id drift.
		usr, err := st.FindUser(ctx, lr.Sub, dep.ID)
		if err != nil {
			return err
		}
		if usr == nil {
			u, err := st.InsertUser(ctx, LtiUser{
				UserKey:      lr.Sub,
				DeploymentID: dep.ID,
				DisplayName:  lr.Name,
				Email:        lr.Email,
				LMSUserID:    lr.LMSUserID(),
			})
			if err != nil {
				return err
			}
			usr = &u
			changes++
		} else if usr.DisplayName != lr.Name || usr.Email != lr.Email || usr.LMSUserID != lr.LMSUserID() {
			usr.DisplayName = lr.Name
			usr.Email = lr.Email
			usr.LMSUserID = lr.LMSUserID()
			if err := st.UpdateUser(ctx, *usr); err != nil {
				return err
			}
			changes++
		}

		// Membership: insert once per (user, context), rank follows claims.
		mem, err := st.FindMembership(ctx, usr.ID, cxt.ID)
		if err != nil {
			return err
		}
		if mem == nil {
			if _, err := st.InsertMembership(ctx, LtiMembership{
				UserID:    usr.ID,
				ContextID: cxt.ID,
				RoleRank:  lr.RoleRank,
			}); err != nil {
				return err
			}
			changes++
		} else if mem.RoleRank != lr.RoleRank {
			if err := st.UpdateMembershipRank(ctx, mem.ID, lr.RoleRank); err != nil {
				return err
			}
			changes++
		}

		// The launch must still be complete after reconciliation; a failure
		// here rolls the whole transaction back.
		if reasons := CheckComplete(lr); len(reasons) > 0 {
			return persistErr("reconcile", validationErr(strings.Join(reasons, " ")))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changes, nil
}

// ToolLinkID extracts the tool-defined link id a launch targets: the
// "link" query parameter on the target link URI, else the custom claim.
func (lr *LaunchRequest) ToolLinkID() string {
	if lr.TargetLinkURI != "" {
		if u, err := url.Parse(lr.TargetLinkURI); err == nil {
			if v := u.Query().Get("link"); v != "" {
				return v
			}
		}
	}
	return lr.Custom["link"]
}
