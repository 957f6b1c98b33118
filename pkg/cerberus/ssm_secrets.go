package cerberus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMConfig selects the AWS account and endpoint for Parameter Store.
// Empty fields fall back to the default AWS credential chain.
type SSMConfig struct {
	Region          string
	Endpoint        string // e.g. http://localhost:4566 for LocalStack
	AccessKeyID     string
	SecretAccessKey string
}

// SSMSecretProvider resolves secrets from AWS SSM Parameter Store, with
// SecureString values decrypted.
// Format: ssm:/path/to/parameter
type SSMSecretProvider struct {
	cfg   SSMConfig
	cache *secretCache

	once    sync.Once
	client  SSMAPI
	initErr error
}

// NewSSMSecretProvider creates a provider whose client is built on first use,
// so processes that never reference ssm: need no AWS configuration.
func NewSSMSecretProvider(cfg SSMConfig, ttl time.Duration) *SSMSecretProvider {
	return &SSMSecretProvider{cfg: cfg, cache: newSecretCache(ttl)}
}

// NewSSMSecretProviderWithClient creates a provider with a custom SSM client
func NewSSMSecretProviderWithClient(client SSMAPI, ttl time.Duration) *SSMSecretProvider {
	p := &SSMSecretProvider{client: client, cache: newSecretCache(ttl)}
	p.once.Do(func() {})
	return p
}

func (p *SSMSecretProvider) init(ctx context.Context) error {
	p.once.Do(func() {
		var opts []func(*config.LoadOptions) error
		if p.cfg.Region != "" {
			opts = append(opts, config.WithRegion(p.cfg.Region))
		}
		if p.cfg.AccessKeyID != "" {
			opts = append(opts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, p.cfg.SecretAccessKey, ""),
			))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			p.initErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		p.client = ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
			if p.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(p.cfg.Endpoint)
			}
		})
	})
	return p.initErr
}

func (p *SSMSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	name, ok := trimScheme(ref, "ssm")
	if !ok {
		return "", unsupported(ref)
	}
	if val, ok := p.cache.get(ref); ok {
		return val, nil
	}
	if err := p.init(ctx); err != nil {
		return "", NewSecretError(ref, "ssm client unavailable", err)
	}

	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", NewSecretError(ref, "parameter does not exist", ErrSecretNotFound)
		}
		return "", NewSecretError(ref, "failed to get parameter", err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", NewSecretError(ref, "parameter is empty", ErrSecretNotFound)
	}

	val := aws.ToString(out.Parameter.Value)
	p.cache.put(ref, val)
	return val, nil
}

// ClearCache clears all cached secrets
func (p *SSMSecretProvider) ClearCache() {
	p.cache.clear()
}
