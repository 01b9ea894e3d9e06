package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/cockroachdb/errors"

	"github.com/vango-go/sonic-relay/pkg/relay/config"
	"github.com/vango-go/sonic-relay/pkg/relay/metrics"
	"github.com/vango-go/sonic-relay/pkg/relay/server"
	"github.com/vango-go/sonic-relay/pkg/relay/tools"
	"github.com/vango-go/sonic-relay/pkg/relay/tts"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream/bedrock"
	"github.com/vango-go/sonic-relay/pkg/relay/upstream/wsupstream"
)

func loadTools(cfg config.Config) (*tools.Registry, error) {
	descs, err := tools.LoadDescriptors(cfg.ToolsFile)
	if err != nil {
		return nil, err
	}
	return tools.NewRegistry(descs, tools.Builtins(nil))
}

// newRelayServer wires the configured upstream and TTS providers into a
// relay server.
func newRelayServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server.Server, error) {
	registry, err := loadTools(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "load tools")
	}

	var (
		awsCfg    aws.Config
		awsLoaded bool
		dialer    upstream.Dialer
	)
	switch cfg.UpstreamProvider {
	case config.UpstreamBedrock:
		client, loaded, err := bedrock.LoadClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		awsCfg, awsLoaded = loaded, true
		dialer = bedrock.NewDialer(client, cfg.ModelID)
	case config.UpstreamWebSocket:
		dialer = wsupstream.NewDialer(cfg.UpstreamURL, http.Header{})
	default:
		return nil, errors.Newf("unsupported upstream provider %q", cfg.UpstreamProvider)
	}

	var synth tts.Synthesizer
	switch cfg.TTSProvider {
	case config.TTSPolly:
		if !awsLoaded {
			_, awsCfg, err = bedrock.LoadClient(ctx, cfg.AWSRegion)
			if err != nil {
				return nil, err
			}
		}
		synth = tts.NewPolly(polly.NewFromConfig(awsCfg), cfg.PollyVoiceID)
	case config.TTSCartesia:
		synth = tts.NewCartesia(cfg.CartesiaAPIKey, cfg.CartesiaVoiceID)
	default:
		synth = tts.Disabled{}
	}

	logger.Info("relay configured",
		"upstream", cfg.UpstreamProvider,
		"model", cfg.ModelID,
		"tts", synth.Name(),
		"tools", registry.Names(),
	)

	return server.New(cfg, logger, server.Deps{
		Dialer:  dialer,
		Synth:   synth,
		Tools:   registry,
		Metrics: metrics.New("sonic_relay"),
	}), nil
}
