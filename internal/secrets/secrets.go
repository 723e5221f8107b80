// Package secrets pulls boot-time configuration overrides from AWS
// Secrets Manager. The relay reads its secret exactly once at startup,
// so there is no cache or refresh loop here.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type Loader struct {
	client *secretsmanager.Client
}

func NewLoader(ctx context.Context, region string) (*Loader, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Loader{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// Fetch returns the secret's string value.
func (l *Loader) Fetch(ctx context.Context, name string) (string, error) {
	out, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return *out.SecretString, nil
}

// FetchJSON decodes a JSON secret into v.
func (l *Loader) FetchJSON(ctx context.Context, name string, v any) error {
	raw, err := l.Fetch(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode secret %s: %w", name, err)
	}
	return nil
}
