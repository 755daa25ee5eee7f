package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"eventrelay/internal/types"
)

// HTTPRoomAuthorizer asks an external membership service whether an
// identity may join a room:
//
//	GET {base}/rooms/{room}/members/{identity}  -> 200 {"allowed": true|false}
//
// 404 means not a member. Any other failure denies and returns an error.
type HTTPRoomAuthorizer struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
}

// NewHTTPRoomAuthorizer creates an HTTPRoomAuthorizer with a short request timeout.
func NewHTTPRoomAuthorizer(baseURL string, apiKey types.SecretString, opts ...BaseClientOption) *HTTPRoomAuthorizer {
	return &HTTPRoomAuthorizer{
		base: NewBaseClient(
			&http.Client{Timeout: 3 * time.Second},
			"room-authorizer",
			DefaultRetryPolicy(),
			"eventrelay/1.0",
			opts...,
		),
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// AuthorizeRoom implements the fan-out room authorization contract.
func (a *HTTPRoomAuthorizer) AuthorizeRoom(ctx context.Context, identity, roomID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s/members/%s", a.baseURL, url.PathEscape(roomID), url.PathEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build room authorization request", err)
	}
	if !a.apiKey.IsZero() {
		req.Header.Set("Authorization", "Bearer "+a.apiKey.Unmask())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.base.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("room authorizer returned %d", resp.StatusCode), nil)
	}

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, types.NewAppError(types.ErrCodeUpstreamUnavailable, "room authorizer returned invalid JSON", err)
	}
	return body.Allowed, nil
}

// Check fails while the breaker is open. It makes no request, so /health
// does not load the membership service.
func (a *HTTPRoomAuthorizer) Check(context.Context) error {
	if a.base.State() == gobreaker.StateOpen {
		return errors.New("circuit breaker open")
	}
	return nil
}
