// Package encryption supplies the Tink AEAD primitives used to encrypt
// access tokens held in a shared cache.
package encryption

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const secretsManagerScheme = "aws-secretsmanager://"

// Validate runs an encrypt/decrypt cycle so that a misconfigured primitive
// fails at startup rather than on the first cached token.
func Validate(a tink.AEAD) error {
	plaintext := []byte("nuonuo-token-cache-check")
	aad := []byte("validation")

	ciphertext, err := a.Encrypt(plaintext, aad)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, aad)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// NewAEADFromKMS loads a keyset stored in AWS Secrets Manager that is
// envelope-encrypted with an AWS KMS key. KMS is only called while loading;
// encrypt and decrypt run locally.
//
// keysetURI format: aws-secretsmanager://secret-name
// kmsEnvelopeKeyURI format: aws-kms://arn:aws:kms:region:account:key/key-id
func NewAEADFromKMS(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string) (tink.AEAD, error) {
	secretName, err := parseSecretURI(keysetURI)
	if err != nil {
		return nil, err
	}

	kmsAEAD, err := awskms.NewAEADWithContext(ctx, kmsEnvelopeKeyURI)
	if err != nil {
		return nil, fmt.Errorf("creating KMS AEAD: %w", err)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	result, err := secretsmanager.NewFromConfig(cfg).GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting secret %q: %w", secretName, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %q has no string value", secretName)
	}

	handle, err := keyset.ReadWithContext(ctx, keyset.NewJSONReader(strings.NewReader(*result.SecretString)), kmsAEAD, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyset: %w", err)
	}

	return primitive(handle)
}

// NewAEADFromFile loads a cleartext JSON keyset from disk. Suitable for local
// development and integration tests only.
func NewAEADFromFile(path string) (tink.AEAD, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer f.Close()

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading keyset file %s: %w", path, err)
	}

	return primitive(handle)
}

// NewTestAEAD creates a throwaway AES256-GCM AEAD for tests.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	return aead.New(handle)
}

func primitive(handle *keyset.Handle) (tink.AEAD, error) {
	p, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return p, nil
}

func parseSecretURI(uri string) (string, error) {
	name, ok := strings.CutPrefix(uri, secretsManagerScheme)
	if !ok {
		return "", fmt.Errorf("invalid secrets manager URI %q: must start with %s", uri, secretsManagerScheme)
	}
	if name == "" {
		return "", fmt.Errorf("invalid secrets manager URI %q: secret name is empty", uri)
	}
	return name, nil
}
