package imgseq

import (
	"context"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// MaxFetchSize is the default upper bound of bytes read for a single image.
const MaxFetchSize = 32 << 20 // 32MB

// Errors returned when resolving or fetching a reference.
var (
	ErrEmptyReference    = errors.New("empty image reference")
	ErrUnsupportedScheme = errors.New("unsupported reference scheme")
	ErrNotFound          = errors.New("image not found in bundle")
	ErrNoBundle          = errors.New("no bundle to resolve local reference")
)

// SourceKind tags a resolved Source.
type SourceKind uint8

const (
	Remote SourceKind = iota
	Local
)

func (kind SourceKind) String() string {
	switch kind {
	case Remote:
		return "remote"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Source is a resolved image reference. It knows how to get the encoded bytes
// of its image; decoding is left to a FrameDecoder.
type Source interface {
	Kind() SourceKind
	// Fetch returns the encoded image. It must return early with the context's
	// error once ctx is canceled.
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// RemoteSource is an image fetched over http(s).
type RemoteSource struct {
	URL    string
	Client *http.Client
	// MaxSize caps the response body. Zero means MaxFetchSize.
	MaxSize int64
}

var _ Source = (*RemoteSource)(nil)

func (src *RemoteSource) Kind() SourceKind { return Remote }
func (src *RemoteSource) String() string   { return src.URL }

// Fetch GETs the URL. Any non-2xx status is an error.
func (src *RemoteSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	client := src.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch image")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}

	return readLimited(resp.Body, src.MaxSize)
}

// LocalSource is an image bundled with the host. ID is the identifier it was
// asked for and Path is where it was found inside Bundle.
type LocalSource struct {
	ID     string
	Path   string
	Bundle fs.FS
	// MaxSize caps the file size. Zero means MaxFetchSize.
	MaxSize int64
}

var _ Source = (*LocalSource)(nil)

func (src *LocalSource) Kind() SourceKind { return Local }
func (src *LocalSource) String() string   { return src.ID }

// Fetch reads the bundled file.
func (src *LocalSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := src.Bundle.Open(src.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bundled image")
	}
	defer f.Close()

	return readLimited(f, src.MaxSize)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		max = MaxFetchSize
	}

	// Read one more byte than allowed so oversized images are caught instead
	// of silently truncated.
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image")
	}
	if int64(len(b)) > max {
		return nil, errors.Wrapf(ErrImageTooLarge, "image exceeds %d bytes", max)
	}

	return b, nil
}

// SourceResolver turns a reference into a Source.
type SourceResolver interface {
	Resolve(ref string) (Source, error)
}

// DefaultExtensions are tried in order when a bundle identifier has no
// extension.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff"}

// Resolver is the default SourceResolver. References with an http or https
// scheme become RemoteSources; references without a scheme (or with the file
// scheme) are looked up in Bundle.
type Resolver struct {
	Client *http.Client
	Bundle fs.FS
	// Extensions overrides DefaultExtensions.
	Extensions []string
	// MaxSize is passed down to the resolved sources.
	MaxSize int64
}

var _ SourceResolver = Resolver{}

// Resolve resolves the reference once. Local references are checked for
// existence here, so a missing bundle image fails before any task is queued.
func (r Resolver) Resolve(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyReference
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse reference")
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &RemoteSource{URL: ref, Client: r.Client, MaxSize: r.MaxSize}, nil
	case "file":
		return r.resolveLocal(ref, strings.TrimPrefix(u.Path, "/"))
	case "":
		return r.resolveLocal(ref, ref)
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "scheme %q", u.Scheme)
	}
}

func (r Resolver) resolveLocal(id, name string) (Source, error) {
	if r.Bundle == nil {
		return nil, ErrNoBundle
	}

	for _, candidate := range r.candidates(name) {
		fi, err := fs.Stat(r.Bundle, candidate)
		if err != nil || fi.IsDir() {
			continue
		}

		return &LocalSource{
			ID:      id,
			Path:    candidate,
			Bundle:  r.Bundle,
			MaxSize: r.MaxSize,
		}, nil
	}

	return nil, errors.Wrapf(ErrNotFound, "%q", id)
}

// candidates lists the bundle paths to try for name. Asset names are commonly
// normalized to lower case with underscores, so that form is tried as well.
func (r Resolver) candidates(name string) []string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")

	names := []string{name}
	if norm := normalizeBundleName(name); norm != name {
		names = append(names, norm)
	}

	exts := r.Extensions
	if exts == nil {
		exts = DefaultExtensions
	}

	var paths []string
	for _, name := range names {
		paths = append(paths, name)
		if path.Ext(name) != "" {
			continue
		}
		for _, ext := range exts {
			paths = append(paths, name+ext)
		}
	}

	return paths
}

func normalizeBundleName(name string) string {
	dir, file := path.Split(name)
	file = strings.ToLower(strings.ReplaceAll(file, "-", "_"))
	return dir + file
}
