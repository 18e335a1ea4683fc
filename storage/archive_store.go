package storage

import (
	"context"
	"net/url"
	"strings"

	"emperror.dev/errors"
)

// ArchiveContentType is set on every uploaded archive
const ArchiveContentType = "application/zip"

// ArchiveStore keeps training archives where the provider can fetch them
type ArchiveStore interface {
	// Upload writes the blob under the owner's prefix, replacing any existing
	// object of the same name, and returns the object key.
	Upload(ctx context.Context, ownerID, filename string, blob []byte) (string, error)
	// PublicURL resolves the URL the object can be fetched from without credentials
	PublicURL(ctx context.Context, ownerID, filename string) (string, error)
}

// ObjectKey is the key an owner's archive is stored under
func ObjectKey(ownerID, filename string) string {
	return "models/" + ownerID + "/" + filename
}

func validateObject(ownerID, filename string) error {
	if ownerID == "" || filename == "" {
		return errors.New("owner and filename are required")
	}
	if strings.Contains(ownerID, "/") || strings.Contains(filename, "/") {
		return errors.NewWithDetails("object path segments must not contain '/'", "owner", ownerID, "filename", filename)
	}
	return nil
}

// joinURL appends an object key to a base URL, escaping each key segment
func joinURL(base, key string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", errors.WrapWithDetails(err, "invalid base URL", "base", base)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.NewWithDetails("base URL must be absolute", "base", base)
	}

	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return u.String() + "/" + strings.Join(segments, "/"), nil
}
