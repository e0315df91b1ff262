package secret

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMS decrypts feed credentials with AWS KMS.
type KMS struct {
	kms *kms.Client
}

// NewKMS creates a KMS decrypter. If localStackEndpoint is non-empty the
// client targets that endpoint with dummy credentials; otherwise it uses the
// default AWS credential chain.
func NewKMS(ctx context.Context, region, localStackEndpoint string) (*KMS, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secret: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}
	return &KMS{kms: kms.NewFromConfig(cfg, kmsOpts...)}, nil
}

// Decrypt returns the plaintext for ciphertext. The caller must wipe it.
func (k *KMS) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := k.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("secret: kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}
