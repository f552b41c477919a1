// internal/lti/deeplink.go
package lti

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Deep-linking response builder.

After content selection the tool answers the platform with a signed
JWT whose content_items claim describes the chosen tool links. Links
flagged as assignments carry an embedded lineItem so the platform
creates a gradebook column on acceptance.
*/

type DeepLinkBuilder struct {
	Store  Store
	Tokens *TokenService

	// Launch URLs in content items are ToolURL + "/lti3?link=<id>".
	ToolURL string

	Now func() time.Time
}

func (b *DeepLinkBuilder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now().UTC()
}

// BuildResponse turns the selected tool links into a signed
// LtiDeepLinkingResponse token for the launch's deployment.
func (b *DeepLinkBuilder) BuildResponse(ctx context.Context, lr *LaunchRequest, dep *PlatformDeployment, selected []string) (string, error) {
	if lr.MessageType != MessageDeepLinking {
		return "", validationErr("not a deep linking launch")
	}
	items := make([]map[string]any, 0, len(selected))
	for _, id := range selected {
		tl, err := b.Store.FindToolLink(ctx, id)
		if err != nil {
			return "", err
		}
		if tl == nil {
			return "", validationErr(fmt.Sprintf("tool link %q not found", id))
		}
		item := map[string]any{
			"type":  "ltiResourceLink",
			"title": tl.Title,
			"url":   b.ToolURL + "/lti3?link=" + url.QueryEscape(tl.ID),
		}
		if tl.Assignment {
			item["lineItem"] = map[string]any{
				"scoreMaximum": tl.MaxGrade,
				"label":        tl.Title,
				"resourceId":   tl.ID,
			}
		}
		items = append(items, item)
	}

	now := b.now()
	claims := jwt.MapClaims{
		"iss":                dep.ClientID,
		"aud":                lr.Iss,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"nonce":              lr.Nonce,
		"azp":                lr.Iss,
		ClaimDeploymentID:    lr.DeploymentID,
		ClaimMessageType:     MessageTypeDeepLinkResponse,
		ClaimVersion:         LTIVersion3,
		ClaimDeepLinkContent: items,
	}
	// The data claim round-trips opaque platform state and is required
	// whenever the settings supplied one.
	if lr.DeepLinkData != "" {
		claims[ClaimDeepLinkData] = lr.DeepLinkData
	}
	return b.Tokens.SignDeepLinkResponse(claims)
}
