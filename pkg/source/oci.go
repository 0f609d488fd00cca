package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// ModuleZipMediaType is the media type for zipped module bundles
	ModuleZipMediaType = "application/zip"

	// ModuleLayerMediaType is the media type for tar+gzip module bundles
	ModuleLayerMediaType = "application/vnd.hotload.modules.layer.v1+tar+gzip"

	// FallbackLayerMediaType is used when no module-specific layer is present
	FallbackLayerMediaType = ocispec.MediaTypeImageLayerGzip

	manifestAccept = ocispec.MediaTypeImageManifest + ", application/vnd.docker.distribution.manifest.v2+json"
)

// OCIOptions configure an OCI transport.
type OCIOptions struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// PlainHTTP talks to the registry over http instead of https.
	PlainHTTP   bool
	Credentials *Credentials
	Cache       *DiskCache
	Logger      logr.Logger
}

// OCI serves a module bundle published as an OCI artifact. The bundle is a
// single zip or tar.gz layer; files inside it are served by relative path.
type OCI struct {
	ref                          string
	registry, repo, tag, pinned string

	client    *http.Client
	scheme    string
	authValue string
	cache     *DiskCache
	log       logr.Logger

	mu       sync.Mutex
	manifest string
	files    bundle
}

// NewOCI returns a transport for ref, in the form registry/repo:tag or
// registry/repo@sha256:... Nothing is pulled until the first Fetch.
func NewOCI(ref string, opts OCIOptions) (*OCI, error) {
	registry, repo, tag, pinned, err := parseOCIRef(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid OCI reference: %w", err)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	scheme := "https"
	if opts.PlainHTTP {
		scheme = "http"
	}

	return &OCI{
		ref:       ref,
		registry:  registry,
		repo:      repo,
		tag:       tag,
		pinned:    pinned,
		client:    opts.Client,
		scheme:    scheme,
		authValue: registryAuth(opts.Credentials),
		cache:     opts.Cache,
		log:       opts.Logger.WithName("oci").WithValues("ref", ref),
	}, nil
}

// Type returns the transport type
func (o *OCI) Type() string {
	return "oci"
}

// Fetch returns p from the bundle, pulling it on first use.
func (o *OCI) Fetch(ctx context.Context, p string) (*Source, error) {
	o.mu.Lock()
	if o.files == nil {
		if err := o.refreshLocked(ctx); err != nil {
			o.mu.Unlock()
			return nil, err
		}
	}
	text, ok := o.files[relative(p)]
	manifest := o.manifest
	o.mu.Unlock()

	if !ok {
		return nil, notFound(p)
	}
	return &Source{
		Path:   p,
		Text:   slices.Clone(text),
		Digest: contentDigest(manifest, text),
		Origin: fmt.Sprintf("oci://%s@%s", o.ref, manifest),
	}, nil
}

// Sync re-resolves the tag and, if it moved, pulls the new bundle. It returns
// the paths whose content differs between the two bundles.
func (o *OCI) Sync(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.files == nil {
		return nil, o.refreshLocked(ctx)
	}
	if o.pinned != "" {
		return nil, nil
	}

	previous := o.files
	before := o.manifest
	if err := o.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if o.manifest == before {
		return nil, nil
	}
	o.log.Info("bundle changed", "from", before, "to", o.manifest)
	return diffBundles(previous, o.files), nil
}

func (o *OCI) refreshLocked(ctx context.Context) error {
	manifestDigest := o.pinned
	if manifestDigest == "" {
		var err error
		if manifestDigest, err = o.resolveTag(ctx); err != nil {
			return fmt.Errorf("resolve %s: %w", o.ref, err)
		}
	}
	if manifestDigest == o.manifest && o.files != nil {
		return nil
	}

	files, err := o.pull(ctx, manifestDigest)
	if err != nil {
		return fmt.Errorf("pull %s: %w", o.ref, err)
	}
	o.manifest = manifestDigest
	o.files = files
	return nil
}

func (o *OCI) pull(ctx context.Context, manifestDigest string) (bundle, error) {
	cacheKey := "oci:" + o.registry + "/" + o.repo + "@" + manifestDigest
	if o.cache != nil {
		if cached, err := o.cache.Get(cacheKey); err == nil {
			return extractAny(cached)
		}
	}

	manifest, err := o.fetchManifest(ctx, manifestDigest)
	if err != nil {
		return nil, err
	}
	layer, err := findModuleLayer(manifest)
	if err != nil {
		return nil, err
	}
	data, err := o.fetchBlob(ctx, layer.Digest)
	if err != nil {
		return nil, err
	}

	files, err := unpackLayer(layer.MediaType, data)
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		if err := o.cache.Set(cacheKey, data); err != nil {
			o.log.Error(err, "failed to cache layer", "digest", layer.Digest.String())
		}
	}
	return files, nil
}

// unpackLayer extracts a module layer. Only ModuleZipMediaType is a zip;
// the other accepted layer types are tar+gzip.
func unpackLayer(mediaType string, data []byte) (bundle, error) {
	if mediaType == ModuleZipMediaType {
		return extractZip(data)
	}
	return extractTarGzip(data)
}

func (o *OCI) url(kind, ref string) string {
	return fmt.Sprintf("%s://%s/v2/%s/%s/%s", o.scheme, o.registry, o.repo, kind, ref)
}

func (o *OCI) do(ctx context.Context, method, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if o.authValue != "" {
		req.Header.Set("Authorization", o.authValue)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", method, url, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp, nil
}

func (o *OCI) resolveTag(ctx context.Context) (string, error) {
	resp, err := o.do(ctx, http.MethodHead, o.url("manifests", o.tag), manifestAccept)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	dgst := resp.Header.Get("Docker-Content-Digest")
	if dgst == "" {
		return "", fmt.Errorf("no digest in response headers")
	}
	if _, err := digest.Parse(dgst); err != nil {
		return "", fmt.Errorf("registry returned invalid digest %q: %w", dgst, err)
	}
	return dgst, nil
}

func (o *OCI) fetchManifest(ctx context.Context, manifestDigest string) (*ocispec.Manifest, error) {
	resp, err := o.do(ctx, http.MethodGet, o.url("manifests", manifestDigest), manifestAccept)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var manifest ocispec.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

func (o *OCI) fetchBlob(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("layer digest: %w", err)
	}
	resp, err := o.do(ctx, http.MethodGet, o.url("blobs", dgst.String()), "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	verifier := dgst.Verifier()
	if _, err := verifier.Write(body); err != nil {
		return nil, fmt.Errorf("verify layer: %w", err)
	}
	if !verifier.Verified() {
		return nil, fmt.Errorf("layer digest verification failed for %s", dgst)
	}
	return body, nil
}

// findModuleLayer picks the bundle layer: zip first, then the module
// tar+gzip type, then a generic gzip layer, then the first layer.
func findModuleLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, mediaType := range []string{ModuleZipMediaType, ModuleLayerMediaType, FallbackLayerMediaType} {
		for _, layer := range manifest.Layers {
			if layer.MediaType == mediaType {
				return layer, nil
			}
		}
	}
	if len(manifest.Layers) > 0 {
		return manifest.Layers[0], nil
	}
	return ocispec.Descriptor{}, fmt.Errorf("no suitable layer found in manifest")
}

// parseOCIRef splits registry/repo:tag or registry/repo@digest.
func parseOCIRef(ref string) (registry, repo, tag, dgst string, err error) {
	if idx := strings.LastIndex(ref, "@"); idx != -1 {
		dgst = ref[idx+1:]
		ref = ref[:idx]
		if _, perr := digest.Parse(dgst); perr != nil {
			return "", "", "", "", fmt.Errorf("invalid digest %q: %w", dgst, perr)
		}
	}

	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		// A colon followed by a slash is a registry port, not a tag.
		if after := ref[idx+1:]; !strings.Contains(after, "/") {
			if dgst == "" {
				tag = after
			}
			ref = ref[:idx]
		}
	}
	if tag == "" && dgst == "" {
		tag = "latest"
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return "", "", "", "", fmt.Errorf("invalid OCI reference format: %s", ref)
	}
	if !strings.ContainsAny(parts[0], ".:") && parts[0] != "localhost" {
		return "", "", "", "", fmt.Errorf("OCI reference %s must name a registry host", ref)
	}
	return parts[0], parts[1], tag, dgst, nil
}

func registryAuth(creds *Credentials) string {
	switch {
	case creds == nil:
		return ""
	case creds.Token != "":
		return "Bearer " + creds.Token
	case creds.Username != "":
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds.Username+":"+creds.Password))
	default:
		return ""
	}
}

// diffBundles returns the rooted paths added, removed or changed.
func diffBundles(before, after bundle) []string {
	changed := make(map[string]struct{})
	for name, text := range after {
		if old, ok := before[name]; !ok || !bytes.Equal(old, text) {
			changed[clean(name)] = struct{}{}
		}
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			changed[clean(name)] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(changed))
}
