package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Source loads the current manifest from wherever deployments publish it.
type Source interface {
	Load(ctx context.Context) (Manifest, error)
	String() string
}

// NewSource returns the source for a location:
// "s3://bucket/key", an http(s) URL, or a file path.
func NewSource(ctx context.Context, location string, paths JSONPaths) (Source, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// no scheme, or a windows drive letter
		return &FileSource{Path: location, Paths: paths}, nil
	}
	switch u.Scheme {
	case "file":
		return &FileSource{Path: u.Path, Paths: paths}, nil
	case "http", "https":
		return &HTTPSource{URL: location, Paths: paths}, nil
	case "s3":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return &S3Source{
			Bucket: u.Host,
			Key:    strings.TrimPrefix(u.Path, "/"),
			Client: s3.NewFromConfig(cfg),
			Paths:  paths,
		}, nil
	}
	return nil, fmt.Errorf("unsupported manifest location %s", location)
}

// FileSource reads the manifest from the local file system.
type FileSource struct {
	Path  string
	Paths JSONPaths
}

func (f *FileSource) Load(ctx context.Context) (Manifest, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(b, f.Paths)
}

func (f *FileSource) String() string {
	return f.Path
}

// HTTPSource downloads the manifest. The request bypasses every cache layer.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Paths  JSONPaths
}

func (h *HTTPSource) Load(ctx context.Context) (Manifest, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Manifest{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	res, err := client.Do(req)
	if err != nil {
		return Manifest{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("get manifest %s: status %d", h.URL, res.StatusCode)
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(b, h.Paths)
}

func (h *HTTPSource) String() string {
	return h.URL
}

// ObjectGetter is the part of the S3 client used by S3Source.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the manifest from an S3 object.
type S3Source struct {
	Bucket string
	Key    string
	Client ObjectGetter
	Paths  JSONPaths
}

func (s *S3Source) Load(ctx context.Context) (Manifest, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("get manifest %s: %w", s, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(b, s.Paths)
}

func (s *S3Source) String() string {
	return "s3://" + s.Bucket + "/" + s.Key
}

// Static always returns the same manifest.
type Static Manifest

func (s Static) Load(ctx context.Context) (Manifest, error) {
	m := Manifest(s)
	return m, m.Validate()
}

func (s Static) String() string {
	return "static:" + s.Version
}
