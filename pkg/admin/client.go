package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client calls the admin API of a running controller.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the admin server at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

func (c *Client) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	resp := new(RegisterResponse)
	if err := c.invoke(ctx, "Register", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CancelFiles(ctx context.Context, req *FileFilterRequest) (*CountResponse, error) {
	resp := new(CountResponse)
	if err := c.invoke(ctx, "CancelFiles", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CountFiles(ctx context.Context, req *FileFilterRequest) (*CountResponse, error) {
	resp := new(CountResponse)
	if err := c.invoke(ctx, "CountFiles", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListFiles(ctx context.Context, req *FileFilterRequest) (*ListFilesResponse, error) {
	resp := new(ListFilesResponse)
	if err := c.invoke(ctx, "ListFiles", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListPools(ctx context.Context, req *PoolFilterRequest) (*ListPoolsResponse, error) {
	resp := new(ListPoolsResponse)
	if err := c.invoke(ctx, "ListPools", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CancelPools(ctx context.Context, req *PoolFilterRequest) (*CountResponse, error) {
	resp := new(CountResponse)
	if err := c.invoke(ctx, "CancelPools", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SetIncluded(ctx context.Context, req *SetIncludedRequest) (*CountResponse, error) {
	resp := new(CountResponse)
	if err := c.invoke(ctx, "SetIncluded", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RunCheckpointNow(ctx context.Context) (*CheckpointResponse, error) {
	resp := new(CheckpointResponse)
	if err := c.invoke(ctx, "RunCheckpointNow", &CheckpointRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Scan(ctx context.Context, req *ScanRequest) (*CountResponse, error) {
	resp := new(CountResponse)
	if err := c.invoke(ctx, "Scan", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SetPoolStatus(ctx context.Context, req *SetPoolStatusRequest) (*SetPoolStatusResponse, error) {
	resp := new(SetPoolStatusResponse)
	if err := c.invoke(ctx, "SetPoolStatus", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
