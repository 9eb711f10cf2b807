package config

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	zkeyring "github.com/zalando/go-keyring"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyring"
)

const (
	defaultKeychainService = "gdrive-vault"
	defaultKeychainAccount = "token-encryption-key"

	gcpFetchTimeout = 15 * time.Second
)

// externalKeys fetches the primary key from the key source named in the
// config file. External sources supply a single v1 key; additional versions
// still come from numbered environment variables.
func externalKeys(file *fileConfig) ([]keyring.KeySpec, error) {
	switch file.KeySource {
	case "", "env":
		return nil, nil
	case "keychain":
		return keychainKeys(file)
	case "gcp":
		return gcpKeys(file)
	default:
		return nil, errors.ConfigError{
			Field:      "key_source",
			Value:      file.KeySource,
			Message:    "unknown key source",
			Suggestion: `Use "env", "keychain", or "gcp"`,
		}
	}
}

// keychainKeys reads the base64 key from the OS keychain (macOS Keychain or
// the freedesktop Secret Service on Linux).
func keychainKeys(file *fileConfig) ([]keyring.KeySpec, error) {
	service := file.KeychainService
	if service == "" {
		service = defaultKeychainService
	}
	account := file.KeychainAccount
	if account == "" {
		account = defaultKeychainAccount
	}

	raw, err := zkeyring.Get(service, account)
	if err != nil {
		if stderrors.Is(err, zkeyring.ErrNotFound) {
			return nil, errors.ConfigError{
				Field:      "key_source",
				Value:      "keychain",
				Message:    fmt.Sprintf("no keychain item for service %q account %q", service, account),
				Suggestion: "Store the key first, e.g.: secret-tool store --label=gdrive-vault service " + service + " account " + account,
			}
		}
		return nil, errors.UserError{
			Message:    "Failed to read the encryption key from the OS keychain",
			Details:    err.Error(),
			Suggestion: "Check that a keychain daemon is running and the item is accessible",
			Err:        err,
		}
	}

	key, err := decodeKey("keychain item "+service+"/"+account, raw)
	if err != nil {
		return nil, err
	}
	return []keyring.KeySpec{{Version: "v1", Secret: key}}, nil
}

// gcpKeys fetches the base64 key from GCP Secret Manager. The resource must
// be a full version name, e.g.
// projects/<p>/secrets/<s>/versions/latest.
func gcpKeys(file *fileConfig) ([]keyring.KeySpec, error) {
	if file.GCPSecretResource == "" {
		return nil, errors.ConfigError{
			Field:      "gcp_secret_resource",
			Message:    "key_source is gcp but no secret resource is configured",
			Suggestion: "Set gcp_secret_resource to projects/<project>/secrets/<name>/versions/latest",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), gcpFetchTimeout)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, errors.UserError{
			Message:    "Failed to create a Secret Manager client",
			Details:    err.Error(),
			Suggestion: "Check GOOGLE_APPLICATION_CREDENTIALS or run: gcloud auth application-default login",
			Err:        err,
		}
	}
	defer client.Close()

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: file.GCPSecretResource,
	})
	if err != nil {
		return nil, classifyGCPError(file.GCPSecretResource, err)
	}

	if resp.Payload == nil || len(resp.Payload.Data) == 0 {
		return nil, errors.ConfigError{
			Field:      "gcp_secret_resource",
			Value:      file.GCPSecretResource,
			Message:    "secret version has no payload",
			Suggestion: "Add a version containing the base64 key: gcloud secrets versions add",
		}
	}

	key, err := decodeKey("secret "+file.GCPSecretResource, string(resp.Payload.Data))
	if err != nil {
		return nil, err
	}
	return []keyring.KeySpec{{Version: "v1", Secret: key}}, nil
}

// classifyGCPError maps Secret Manager gRPC failures to actionable errors.
func classifyGCPError(resource string, err error) error {
	st, ok := status.FromError(err)
	if ok {
		switch st.Code() {
		case codes.NotFound:
			return errors.ConfigError{
				Field:      "gcp_secret_resource",
				Value:      resource,
				Message:    "secret version not found",
				Suggestion: "Check the resource name; list versions with: gcloud secrets versions list",
			}
		case codes.PermissionDenied:
			return errors.UserError{
				Message:    "Access to the secret was denied",
				Details:    st.Message(),
				Suggestion: "Grant roles/secretmanager.secretAccessor to the active credentials",
				Err:        err,
			}
		case codes.Unauthenticated:
			return errors.UserError{
				Message:    "No valid GCP credentials",
				Details:    st.Message(),
				Suggestion: "Run: gcloud auth application-default login",
				Err:        err,
			}
		case codes.FailedPrecondition:
			return errors.UserError{
				Message:    "Secret version is disabled or destroyed",
				Details:    st.Message(),
				Suggestion: "Enable the version or point at an active one",
				Err:        err,
			}
		}
	}

	return errors.UserError{
		Message:    "Failed to fetch the encryption key from Secret Manager",
		Details:    err.Error(),
		Suggestion: "Check network connectivity and the secret resource name",
		Err:        err,
	}
}
