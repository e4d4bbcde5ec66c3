package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ictgov/be-access-requests/internal/apperrors"
	"github.com/ictgov/be-access-requests/internal/notification"
	"github.com/ictgov/be-access-requests/internal/workflow"
)

// DirectoryClient is a client for the staff directory service, which maps
// approval stages to the people holding those posts per department.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a new directory service client.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type staffResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Email  string `json:"email"`
}

// ApproverFor returns the approver holding the given stage's post for a
// department.
func (c *DirectoryClient) ApproverFor(ctx context.Context, stage workflow.Stage, departmentID string) (notification.Recipient, error) {
	path := fmt.Sprintf("/api/v1/directory/approver?stage=%s&department_id=%s",
		url.QueryEscape(stage.String()), url.QueryEscape(departmentID))

	var resp staffResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return notification.Recipient{}, fmt.Errorf("failed to resolve %s approver: %w", stage, err)
	}
	return notification.Recipient{UserID: resp.UserID, Name: resp.Name, Phone: resp.Phone, Email: resp.Email}, nil
}

// RequesterOf returns the person who submitted the request.
func (c *DirectoryClient) RequesterOf(ctx context.Context, req workflow.AccessRequest) (notification.Recipient, error) {
	path := fmt.Sprintf("/api/v1/directory/users/%s", url.PathEscape(req.RequesterID))

	var resp staffResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return notification.Recipient{}, fmt.Errorf("failed to resolve requester: %w", err)
	}
	return notification.Recipient{UserID: resp.UserID, Name: resp.Name, Phone: resp.Phone, Email: resp.Email}, nil
}

func (c *DirectoryClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrCodeNotFound, "directory entry not found")
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("directory service returned status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
