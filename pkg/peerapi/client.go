package peerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sindef/sentineld/pkg/auth"
	"github.com/sindef/sentineld/pkg/instance"
)

// Client queries a peer supervisor's Server over HTTP. It satisfies
// engine.PeerRPC structurally, without either package importing the
// other: the engine depends on the interface it declares, and this is
// just one implementation of it.
type Client struct {
	httpClient *http.Client
	auth       *auth.Authenticator
}

// NewClient builds a Client. sharedSecret must match every peer's own
// configured secret; an empty string disables request signing.
func NewClient(sharedSecret string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth.New(sharedSecret),
	}
}

// AskPrimaryDown implements engine.PeerRPC.
func (c *Client) AskPrimaryDown(ctx context.Context, peer *instance.Instance, primaryName string, primaryAddr instance.Address, epoch uint64, runID string) (down bool, leaderRunID string, leaderEpoch uint64, err error) {
	reqBody, err := json.Marshal(askPrimaryDownRequest{
		PrimaryName: primaryName,
		Host:        primaryAddr.Host,
		Port:        primaryAddr.Port,
		Epoch:       epoch,
		RunID:       runID,
	})
	if err != nil {
		return false, "", 0, err
	}

	url := fmt.Sprintf("http://%s/rpc/is-primary-down", peer.Addr.String())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return false, "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.auth.SignRequest(httpReq); err != nil {
		return false, "", 0, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, "", 0, fmt.Errorf("peerapi: %s returned %s", peer.Name, resp.Status)
	}

	var out askPrimaryDownResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", 0, err
	}
	return out.Down, out.LeaderRunID, out.LeaderEpoch, nil
}
