// Package bedrock carries upstream session events over the Bedrock Runtime
// bidirectional model stream.
package bedrock

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
)

// API is the slice of the Bedrock Runtime client used here.
type API interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

type eventStream interface {
	Send(ctx context.Context, event types.InvokeModelWithBidirectionalStreamInput) error
	Events() <-chan types.InvokeModelWithBidirectionalStreamOutput
	Close() error
	Err() error
}

// LoadClient builds a Bedrock Runtime client from the default AWS credential
// chain for region.
func LoadClient(ctx context.Context, region string) (*bedrockruntime.Client, aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, aws.Config{}, errors.Wrap(err, "load aws config")
	}
	return bedrockruntime.NewFromConfig(cfg), cfg, nil
}

// NewDialer opens one bidirectional stream per upstream session.
func NewDialer(client API, modelID string) upstream.Dialer {
	return func(ctx context.Context) (upstream.Transport, error) {
		out, err := client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
			ModelId: aws.String(modelID),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "open bidirectional stream for %s", modelID)
		}
		return newTransport(out.GetStream()), nil
	}
}

// Transport wraps one event stream. Each upstream event travels as the bytes
// of a single chunk.
type Transport struct {
	stream eventStream

	sendMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTransport(stream eventStream) *Transport {
	return &Transport{stream: stream}
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	err := t.stream.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: frame},
	})
	if err != nil {
		return errors.Wrap(err, "bedrock send")
	}
	return nil
}

func (t *Transport) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-t.stream.Events():
			if !ok {
				if err := t.stream.Err(); err != nil {
					return nil, errors.Wrap(err, "bedrock stream")
				}
				return nil, io.EOF
			}
			if chunk, isChunk := ev.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk); isChunk {
				return chunk.Value.Bytes, nil
			}
		}
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.stream.Close() })
	return t.closeErr
}
