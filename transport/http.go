package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var ErrNotFoundOnServer = errors.New("transport: not found")

const clientPrefix = "/_matrix/client/v3"

// HTTPClient talks to a homeserver over plain HTTP with bearer auth.
type HTTPClient struct {
	homeserverURL string
	accessToken   string
	userID        id.UserID
	http          *http.Client
	logger        *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(homeserverURL string, userID id.UserID, accessToken string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		homeserverURL: strings.TrimRight(homeserverURL, "/"),
		accessToken:   accessToken,
		userID:        userID,
		http:          http.DefaultClient,
		logger:        logger,
	}
}

type respError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, into any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.homeserverURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFoundOnServer
	}
	if resp.StatusCode != http.StatusOK {
		var respErr respError
		if json.Unmarshal(raw, &respErr) == nil && respErr.ErrCode != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, respErr.Error, respErr.ErrCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if into != nil {
		if err := json.Unmarshal(raw, into); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) UploadKeys(ctx context.Context, req *ReqUploadKeys) (*RespUploadKeys, error) {
	var resp RespUploadKeys
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/upload", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) QueryKeys(ctx context.Context, req *ReqQueryKeys) (*RespQueryKeys, error) {
	var resp RespQueryKeys
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) ClaimKeys(ctx context.Context, req *ReqClaimKeys) (*RespClaimKeys, error) {
	var resp RespClaimKeys
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) UploadSignatures(ctx context.Context, req ReqUploadSignatures) (*RespUploadSignatures, error) {
	var resp RespUploadSignatures
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/keys/signatures/upload", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) UploadCrossSigningKeys(ctx context.Context, req *ReqUploadCrossSigningKeys) error {
	return c.do(ctx, http.MethodPost, clientPrefix+"/keys/device_signing/upload", req, nil)
}

func (c *HTTPClient) SendToDevice(ctx context.Context, eventType event.Type, req *ReqSendToDevice) error {
	txnID := uuid.NewString()
	path := fmt.Sprintf("%s/sendToDevice/%s/%s", clientPrefix, url.PathEscape(eventType.Type), txnID)
	return c.do(ctx, http.MethodPut, path, req, nil)
}

func (c *HTTPClient) GetKeyBackupVersion(ctx context.Context) (*BackupVersion, error) {
	var resp BackupVersion
	err := c.do(ctx, http.MethodGet, clientPrefix+"/room_keys/version", nil, &resp)
	if errors.Is(err, ErrNotFoundOnServer) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) CreateKeyBackupVersion(ctx context.Context, req *ReqCreateBackupVersion) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, clientPrefix+"/room_keys/version", req, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *HTTPClient) UpdateKeyBackupVersion(ctx context.Context, version string, req *ReqCreateBackupVersion) error {
	path := clientPrefix + "/room_keys/version/" + url.PathEscape(version)
	return c.do(ctx, http.MethodPut, path, req, nil)
}

func (c *HTTPClient) PutRoomKeys(ctx context.Context, version string, req *ReqPutRoomKeys) error {
	path := clientPrefix + "/room_keys/keys?version=" + url.QueryEscape(version)
	return c.do(ctx, http.MethodPut, path, req, nil)
}

func (c *HTTPClient) GetRoomKeys(ctx context.Context, version string) (*RespRoomKeys, error) {
	var resp RespRoomKeys
	path := clientPrefix + "/room_keys/keys?version=" + url.QueryEscape(version)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) SetAccountData(ctx context.Context, eventType string, content any) error {
	path := fmt.Sprintf("%s/user/%s/account_data/%s", clientPrefix, url.PathEscape(c.userID.String()), url.PathEscape(eventType))
	return c.do(ctx, http.MethodPut, path, content, nil)
}

func (c *HTTPClient) GetAccountData(ctx context.Context, eventType string, into any) error {
	path := fmt.Sprintf("%s/user/%s/account_data/%s", clientPrefix, url.PathEscape(c.userID.String()), url.PathEscape(eventType))
	return c.do(ctx, http.MethodGet, path, nil, into)
}
