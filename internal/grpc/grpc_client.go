package grpc

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ALEYI17/InfraSight_cupti/pkg/logutil"
	"github.com/ALEYI17/InfraSight_cupti/pkg/types"
)

type Client struct {
	conn *grpc.ClientConn
	node string
}

func NewGrpcClient(address string, port string, node string) (*Client, error) {
	serverAdress := fmt.Sprintf("%s:%s", address, port)
	return newClient(serverAdress, node, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func newClient(target, node string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(
		grpc.CallContentSubtype(codecName),
		grpc.MaxCallRecvMsgSize(maxMsgSize),
		grpc.MaxCallSendMsgSize(maxMsgSize)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, node: node}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SendGpuBatch(ctx context.Context, in *types.Batch) (*types.Ack, error) {
	logger := logutil.GetLogger()

	if in.Node == "" {
		in.Node = c.node
	}
	logger.Debug("Batch size", zap.Int("size", len(in.Batch)), zap.String("type", in.Type))

	out := new(types.Ack)
	if err := c.conn.Invoke(ctx, sendBatchMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run forwards batches until the channel closes or ctx is done. It stops
// early when the collector goes away.
func (c *Client) Run(ctx context.Context, batches <-chan *types.Batch) error {
	logger := logutil.GetLogger()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Client received cancellation signal")
			return nil
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			_, err := c.SendGpuBatch(ctx, batch)
			if err != nil {
				logger.Error("Error from sending", zap.Error(err))
				status, ok := status.FromError(err)
				if ok && (status.Code() == codes.Unavailable || status.Code() == codes.Canceled) {
					logger.Warn("Server unavailable. Shutting down client.")
					return err
				}
			}
		}
	}
}
