package kms

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

type awsKMS struct {
	kms     *kms.Client
	secrets *secretsmanager.Client
	keyID   string
}

func newAWSKMS(ctx context.Context, opts Options) (*awsKMS, error) {
	conf, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.AWSRegion))
	if err != nil {
		return nil, err
	}
	return &awsKMS{
		kms:     kms.NewFromConfig(conf),
		secrets: secretsmanager.NewFromConfig(conf),
		keyID:   opts.MasterKeyID,
	}, nil
}

// AWS KMS takes the context as a string map; the serialized form travels
// under one entry.
func awsContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(aad)}
}

func (a *awsKMS) Wrap(ctx context.Context, key, aad []byte) ([]byte, error) {
	out, err := a.kms.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         key,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return out.CiphertextBlob, nil
}

func (a *awsKMS) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	out, err := a.kms.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return out.Plaintext, nil
}

func (a *awsKMS) Secret(ctx context.Context, name string) (string, error) {
	out, err := a.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", name)
	}
	if out.SecretString == nil {
		return "", errors.Errorf("secret %s is binary", name)
	}
	return *out.SecretString, nil
}
