package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/funcbox/funcbox/interfaces"
)

// Factory creates stores from URI strings.
type Factory struct {
	log *slog.Logger

	// file stores are shared per path so the route source, key store and
	// secret store views of one directory agree on locking and change
	// state.
	fileStores map[string]*FileStore
}

// NewFactory creates a new factory instance.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log, fileStores: make(map[string]*FileStore)}
}

// fileStoreFor returns the shared FileStore for a file:// URI.
func (f *Factory) fileStoreFor(u *url.URL) (*FileStore, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}

	if store, ok := f.fileStores[path]; ok {
		return store, nil
	}
	store, err := NewFileStore(path, f.log)
	if err != nil {
		return nil, err
	}
	f.fileStores[path] = store
	return store, nil
}

func parseURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid store URI %q: %v", uri, err)
	}
	return u, nil
}

// RouteSourceFor creates a route source from a URI.
//
// Supported schemes: file://, s3://.
func (f *Factory) RouteSourceFor(uri string) (interfaces.RouteSource, error) {
	u, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.fileStoreFor(u)
	case "s3":
		return f.createS3RouteSource(u)
	default:
		return nil, fmt.Errorf("unsupported route source scheme: %s", u.Scheme)
	}
}

// KeyStoreFor creates a key store from a URI.
//
// Supported schemes: file://.
func (f *Factory) KeyStoreFor(uri string) (interfaces.KeyStore, error) {
	u, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.fileStoreFor(u)
	default:
		return nil, fmt.Errorf("unsupported key store scheme: %s", u.Scheme)
	}
}

// SecretStoreFor creates a secret store from a URI.
//
// Supported schemes: file://, vault://.
func (f *Factory) SecretStoreFor(uri string) (interfaces.SecretStore, error) {
	u, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.fileStoreFor(u)
	case "vault":
		return f.createVaultSecretStore(u)
	default:
		return nil, fmt.Errorf("unsupported secret store scheme: %s", u.Scheme)
	}
}

// createVaultSecretStore builds a Vault secret store from a URI of the
// form vault://host:port/mount/path?token=...&tls=false.
func (f *Factory) createVaultSecretStore(u *url.URL) (interfaces.SecretStore, error) {
	f.log.Debug("Creating Vault secret store", slog.String("uri", u.Redacted()))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid Vault URI, expected vault://host:port/mount/path")
	}

	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	return NewVaultSecretStore(address, parts[0], parts[1], u.Query().Get("token"), f.log)
}

// createS3RouteSource builds an S3 route source from a URI of the form
// s3://[ACCESS_KEY:SECRET_KEY@]bucket/key?region=us-west-2&endpoint=....
func (f *Factory) createS3RouteSource(u *url.URL) (interfaces.RouteSource, error) {
	f.log.Debug("Creating S3 route source", slog.String("uri", u.Redacted()))

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid S3 URI, expected s3://bucket/key")
	}

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3RouteSource(bucket, key, region, query.Get("endpoint"), accessKey, secretKey, f.log)
}
