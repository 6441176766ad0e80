package grpcserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/storycredits/internal/rpcapi"
	"google.golang.org/grpc"
)

// Client calls the ledger service over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes procedure and decodes the reply into response.
func (client *Client) Call(ctx context.Context, procedure string, request any, response any, options ...grpc.CallOption) error {
	options = append(options, grpc.CallContentSubtype(CodecName))
	return client.conn.Invoke(ctx, FullMethod(procedure), request, response, options...)
}

func (client *Client) Reserve(ctx context.Context, request rpcapi.ReserveRequest) (rpcapi.ReserveResponse, error) {
	var response rpcapi.ReserveResponse
	err := client.Call(ctx, rpcapi.ProcedureReserve, &request, &response)
	return response, err
}

func (client *Client) Commit(ctx context.Context, request rpcapi.SettleRequest) (rpcapi.SettleResponse, error) {
	var response rpcapi.SettleResponse
	err := client.Call(ctx, rpcapi.ProcedureCommit, &request, &response)
	return response, err
}

func (client *Client) Release(ctx context.Context, request rpcapi.SettleRequest) (rpcapi.SettleResponse, error) {
	var response rpcapi.SettleResponse
	err := client.Call(ctx, rpcapi.ProcedureRelease, &request, &response)
	return response, err
}

func (client *Client) Refund(ctx context.Context, request rpcapi.SettleRequest) (rpcapi.SettleResponse, error) {
	var response rpcapi.SettleResponse
	err := client.Call(ctx, rpcapi.ProcedureRefund, &request, &response)
	return response, err
}

func (client *Client) ResetIfDue(ctx context.Context, request rpcapi.ResetRequest) (rpcapi.ResetResponse, error) {
	var response rpcapi.ResetResponse
	err := client.Call(ctx, rpcapi.ProcedureResetIfDue, &request, &response)
	return response, err
}

func (client *Client) Scan(ctx context.Context, request rpcapi.ScanRequest) (rpcapi.ScanResponse, error) {
	var response rpcapi.ScanResponse
	err := client.Call(ctx, rpcapi.ProcedureScan, &request, &response)
	return response, err
}
