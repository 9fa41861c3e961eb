package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"pqratchet/internal/domain"
)

// HTTP talks to a relay Server.
type HTTP struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns a client for the relay at base. A nil hc uses
// http.DefaultClient.
func NewHTTP(base string, hc *http.Client) *HTTP {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTP{Base: base, HTTP: hc}
}

func (c *HTTP) PublishBundle(ctx context.Context, b domain.PreKeyBundle) error {
	return c.do(ctx, http.MethodPost, "/bundles", b, nil)
}

func (c *HTTP) FetchBundle(ctx context.Context, user domain.UserID) (domain.PreKeyBundle, error) {
	var out domain.PreKeyBundle
	if err := c.do(ctx, http.MethodGet, "/bundles/"+url.PathEscape(string(user)), nil, &out); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return out, nil
}

func (c *HTTP) Capabilities(ctx context.Context, user domain.UserID) (domain.CapabilitySet, error) {
	var out domain.CapabilitySet
	err := c.do(ctx, http.MethodGet, "/capabilities/"+url.PathEscape(string(user)), nil, &out)
	return out, err
}

// SetParticipants records the members of conv on the relay.
func (c *HTTP) SetParticipants(ctx context.Context, conv domain.ConversationID, users ...domain.UserID) error {
	return c.do(ctx, http.MethodPut, "/conversations/"+url.PathEscape(string(conv)), participantsBody{Participants: users}, nil)
}

func (c *HTTP) Participants(ctx context.Context, conv domain.ConversationID) ([]domain.UserID, error) {
	var out participantsBody
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(string(conv)), nil, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

func (c *HTTP) Deliver(ctx context.Context, p domain.KeySyncPackage) error {
	return c.do(ctx, http.MethodPost, "/packages", p, nil)
}

func (c *HTTP) Fetch(ctx context.Context, device domain.DeviceID) ([]domain.KeySyncPackage, error) {
	var out []domain.KeySyncPackage
	err := c.do(ctx, http.MethodGet, "/packages/"+url.PathEscape(string(device)), nil, &out)
	return out, err
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	u := c.Base + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("relay %s %s: %s: %w", method, u, resp.Status, domain.ErrNotFound)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("relay %s %s: %s: %w", method, u, resp.Status, ErrDeviceOffline)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("relay %s %s: %s", method, u, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var (
	_ domain.BundleFetcher         = (*HTTP)(nil)
	_ domain.BundlePublisher       = (*HTTP)(nil)
	_ domain.CapabilityProvider    = (*HTTP)(nil)
	_ domain.ConversationDirectory = (*HTTP)(nil)
	_ domain.SyncTransport         = (*HTTP)(nil)
)
