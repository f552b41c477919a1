// internal/lti/advantage/client.go
package advantage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/lti-middleware/internal/lti"
)

/*
AGS / NRPS service client.

Listing endpoints paginate through the Link response header: each page
may carry one or more comma-separated `<url>; rel="..."` entries and the
client follows the rel="next" one until it is gone, accumulating every
page. A non-2xx status on any page aborts the whole operation; callers
never see partial pages.
*/

const (
	mediaLineItem          = "application/vnd.ims.lis.v2.lineitem+json"
	mediaLineItemContainer = "application/vnd.ims.lis.v2.lineitemcontainer+json"
	mediaResultContainer   = "application/vnd.ims.lis.v2.resultcontainer+json"
	mediaScore             = "application/vnd.ims.lis.v1.score+json"
	mediaMembership        = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"
)

type Client struct {
	HTTP   *http.Client
	Broker *Broker
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// ------------------------------- line items -----------------------------------

func (c *Client) GetLineItems(ctx context.Context, dep lti.PlatformDeployment, lineItemsURL string) ([]LineItem, error) {
	if lineItemsURL == "" {
		return nil, &lti.ConnectionError{Op: "get line items", Err: errors.New("context has no lineitems URL")}
	}
	tok, err := c.Broker.Token(ctx, dep, CapabilityLineItem)
	if err != nil {
		return nil, err
	}
	log.Printf("advantage: line items token %s", tok)
	pages, err := c.collect(ctx, tok, lineItemsURL, mediaLineItemContainer, "get line items")
	if err != nil {
		return nil, err
	}
	return decodePages[LineItem](pages, "get line items")
}

func (c *Client) PostLineItem(ctx context.Context, dep lti.PlatformDeployment, lineItemsURL string, li LineItem) (LineItem, error) {
	tok, err := c.Broker.Token(ctx, dep, CapabilityLineItem)
	if err != nil {
		return LineItem{}, err
	}
	log.Printf("advantage: line items token %s", tok)
	var out LineItem
	if err := c.send(ctx, tok, http.MethodPost, lineItemsURL, mediaLineItem, li, &out, "post line item"); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

func (c *Client) GetLineItem(ctx context.Context, dep lti.PlatformDeployment, lineItemsURL, id string) (LineItem, error) {
	tok, err := c.Broker.Token(ctx, dep, CapabilityLineItem)
	if err != nil {
		return LineItem{}, err
	}
	var out LineItem
	if err := c.send(ctx, tok, http.MethodGet, LineItemURL(lineItemsURL, id), mediaLineItem, nil, &out, "get line item"); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

func (c *Client) PutLineItem(ctx context.Context, dep lti.PlatformDeployment, li LineItem) (LineItem, error) {
	if li.ID == "" {
		return LineItem{}, &lti.ConnectionError{Op: "put line item", Err: errors.New("line item has no id URL")}
	}
	tok, err := c.Broker.Token(ctx, dep, CapabilityLineItem)
	if err != nil {
		return LineItem{}, err
	}
	var out LineItem
	if err := c.send(ctx, tok, http.MethodPut, li.ID, mediaLineItem, li, &out, "put line item"); err != nil {
		return LineItem{}, err
	}
	return out, nil
}

func (c *Client) DeleteLineItem(ctx context.Context, dep lti.PlatformDeployment, lineItemURL string) error {
	tok, err := c.Broker.Token(ctx, dep, CapabilityLineItem)
	if err != nil {
		return err
	}
	return c.send(ctx, tok, http.MethodDelete, lineItemURL, "", nil, nil, "delete line item")
}

// ------------------------------ results/scores --------------------------------

func (c *Client) GetResults(ctx context.Context, dep lti.PlatformDeployment, lineItemURL string) ([]Result, error) {
	tok, err := c.Broker.Token(ctx, dep, CapabilityResults)
	if err != nil {
		return nil, err
	}
	log.Printf("advantage: results token %s", tok)
	pages, err := c.collect(ctx, tok, strings.TrimRight(lineItemURL, "/")+"/results", mediaResultContainer, "get results")
	if err != nil {
		return nil, err
	}
	return decodePages[Result](pages, "get results")
}

// PostScore submits a score and, on success, re-fetches and returns the
// line item's updated results.
func (c *Client) PostScore(ctx context.Context, dep lti.PlatformDeployment, lineItemURL string, s Score) ([]Result, error) {
	if s.Timestamp == "" {
		s.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	tok, err := c.Broker.Token(ctx, dep, CapabilityScores)
	if err != nil {
		return nil, err
	}
	log.Printf("advantage: scores token %s", tok)
	scoresURL := strings.TrimRight(lineItemURL, "/") + "/scores"
	if err := c.send(ctx, tok, http.MethodPost, scoresURL, mediaScore, s, nil, "post score"); err != nil {
		return nil, err
	}
	return c.GetResults(ctx, dep, lineItemURL)
}

// ------------------------------- membership -----------------------------------

func (c *Client) GetMembership(ctx context.Context, dep lti.PlatformDeployment, membershipsURL string) ([]CourseUser, error) {
	if membershipsURL == "" {
		return nil, &lti.ConnectionError{Op: "get membership", Err: errors.New("context has no membership URL")}
	}
	tok, err := c.Broker.Token(ctx, dep, CapabilityMembership)
	if err != nil {
		return nil, err
	}
	log.Printf("advantage: membership token %s", tok)
	pages, err := c.collect(ctx, tok, membershipsURL, mediaMembership, "get membership")
	if err != nil {
		return nil, err
	}
	var out []CourseUser
	for _, page := range pages {
		var mc membershipContainer
		if err := json.Unmarshal(page, &mc); err != nil {
			return nil, &lti.ConnectionError{Op: "get membership", Err: err}
		}
		out = append(out, mc.Members...)
	}
	return out, nil
}

// ------------------------------- plumbing -------------------------------------

// collect walks the Link rel="next" chain and returns the raw body of
// every page, in order.
func (c *Client) collect(ctx context.Context, token, startURL, accept, op string) ([][]byte, error) {
	var pages [][]byte
	next := startURL
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, &lti.ConnectionError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", accept)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			return nil, &lti.ConnectionError{Op: op, Err: err}
		}
		body := new(bytes.Buffer)
		_, readErr := body.ReadFrom(resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, &lti.ConnectionError{Op: op, Err: errors.New("platform returned " + resp.Status)}
		}
		if readErr != nil {
			return nil, &lti.ConnectionError{Op: op, Err: readErr}
		}
		pages = append(pages, body.Bytes())
		next = nextLink(resp.Header)
	}
	return pages, nil
}

// send issues a single request with an optional JSON body and decodes the
// response into out when non-nil.
func (c *Client) send(ctx context.Context, token, method, target, contentType string, in, out any, op string) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &lti.ConnectionError{Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &lti.ConnectionError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if out != nil && contentType != "" {
		req.Header.Set("Accept", contentType)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &lti.ConnectionError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &lti.ConnectionError{Op: op, Err: errors.New("platform returned " + resp.Status)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &lti.ConnectionError{Op: op, Err: err}
		}
	}
	return nil
}

func decodePages[T any](pages [][]byte, op string) ([]T, error) {
	var out []T
	for _, page := range pages {
		var items []T
		if err := json.Unmarshal(page, &items); err != nil {
			return nil, &lti.ConnectionError{Op: op, Err: err}
		}
		out = append(out, items...)
	}
	return out, nil
}

// nextLink scans a Link header for the rel="next" entry and returns its
// URL-decoded target, or "" when the chain ends.
func nextLink(h http.Header) string {
	link := h.Get("Link")
	if link == "" {
		link = h.Get("link")
	}
	if link == "" {
		return ""
	}
	for _, part := range strings.Split(link, ",") {
		seg := strings.Split(part, ";")
		if len(seg) < 2 {
			continue
		}
		next := false
		for _, attr := range seg[1:] {
			if strings.Contains(strings.ToLower(attr), `rel="next"`) {
				next = true
				break
			}
		}
		if !next {
			continue
		}
		u := strings.TrimSpace(seg[0])
		u = strings.TrimPrefix(u, "<")
		u = strings.TrimSuffix(u, ">")
		if dec, err := url.QueryUnescape(u); err == nil {
			return dec
		}
		return u
	}
	return ""
}

// LineItemURL builds a single line item URL from the collection URL.
// Moodle keeps a query string on its lineitems URL and expects the item
// path spliced in front of it, so "…/lineitems?type_id=2" becomes
// "…/lineitems/{id}/lineitem?type_id=2".
func LineItemURL(lineItemsURL, id string) string {
	if i := strings.IndexByte(lineItemsURL, '?'); i >= 0 {
		base := strings.TrimRight(lineItemsURL[:i], "/")
		return fmt.Sprintf("%s/%s/lineitem%s", base, id, lineItemsURL[i:])
	}
	return strings.TrimRight(lineItemsURL, "/") + "/" + id
}
