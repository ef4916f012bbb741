// Package bundle implements capability bundle export/import over OCI
// registries: a capability plus the tool definitions it wraps, packaged as
// a single addressable artifact so it can be shared between gateway
// deployments the way a container image is.
//
// Grounded directly on internal/skills.RegistryClient's Push/Pull: pack an
// in-memory OCI store (oras.land/oras-go/v2/content/memory), push a config
// blob plus a content layer, PackManifest, tag, then oras.Copy to/from the
// remote repository. The media types and artifact type are renamed from
// "skill" to "capability bundle"; the push/pull/copy sequence is otherwise
// the teacher's own.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	orasauth "oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/pmlrun/gateway/internal/capability"
)

const (
	MediaTypeConfig  = "application/vnd.pmlrun.gateway.capability.config.v1+json"
	MediaTypeContent = "application/vnd.pmlrun.gateway.capability.content.v1+json"
	ArtifactType     = "application/vnd.pmlrun.gateway.capability.bundle.v1"
)

// Ref addresses a capability bundle in an OCI registry.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

func (r Ref) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Path, r.Digest)
	}
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Path, tag)
}

// Manifest is the config blob embedded in every bundle, carrying the
// capability's metadata and the tool content layer's inventory.
type Manifest struct {
	Capability capability.Capability `json:"capability"`
	ToolFiles  []string              `json:"toolFiles"`
}

// RegistryClient pushes and pulls capability bundles.
type RegistryClient struct {
	PlainHTTP bool
	Username  string
	Password  string
}

// NewRegistryClient creates a client for OCI registry operations.
func NewRegistryClient() *RegistryClient {
	return &RegistryClient{}
}

// WithAuth sets credentials for registry authentication.
func (rc *RegistryClient) WithAuth(username, password string) *RegistryClient {
	rc.Username = username
	rc.Password = password
	return rc
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (rc *RegistryClient) WithPlainHTTP(plain bool) *RegistryClient {
	rc.PlainHTTP = plain
	return rc
}

// PushResult reports the outcome of a Push.
type PushResult struct {
	Ref         string `json:"ref"`
	Digest      string `json:"digest"`
	ConfigSize  int64  `json:"configSize"`
	ContentSize int64  `json:"contentSize"`
}

// PullResult reports the outcome of a Pull.
type PullResult struct {
	Ref        string   `json:"ref"`
	Digest     string   `json:"digest"`
	Size       int64    `json:"size"`
	Capability string   `json:"capability,omitempty"`
	ToolFiles  []string `json:"toolFiles,omitempty"`
}

// Push packages a capability (and the raw tool-definition content that
// backs it) and pushes it to an OCI registry.
func (rc *RegistryClient) Push(ctx context.Context, c capability.Capability, content []byte, ref Ref) (*PushResult, error) {
	manifest := Manifest{Capability: c, ToolFiles: c.ToolIDs}
	configBytes, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle manifest: %w", err)
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, configBytes)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, content)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers:           []ocispec.Descriptor{contentDesc},
		ConfigDescriptor: &configDesc,
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := rc.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
	}, nil
}

// Pull downloads a capability bundle from an OCI registry, returning its
// raw content layer and metadata.
func (rc *RegistryClient) Pull(ctx context.Context, ref Ref) ([]byte, *PullResult, error) {
	repo, err := rc.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	} else if pullRef == "" {
		pullRef = "latest"
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestReader, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	manifestBytes, err := io.ReadAll(manifestReader)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}

	var ociManifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &ociManifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content []byte
	for _, layer := range ociManifest.Layers {
		if layer.MediaType != MediaTypeContent {
			continue
		}
		reader, err := store.Fetch(ctx, layer)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch content layer: %w", err)
		}
		content, err = io.ReadAll(reader)
		if err != nil {
			return nil, nil, fmt.Errorf("read content layer: %w", err)
		}
	}
	if content == nil {
		return nil, nil, fmt.Errorf("no content layer found in manifest")
	}

	result := &PullResult{Ref: ref.String(), Digest: manifestDesc.Digest.String(), Size: manifestDesc.Size}
	if ociManifest.Config.Size > 0 {
		if reader, err := store.Fetch(ctx, ociManifest.Config); err == nil {
			if configBytes, err := io.ReadAll(reader); err == nil {
				var m Manifest
				if json.Unmarshal(configBytes, &m) == nil {
					result.Capability = m.Capability.ID
					result.ToolFiles = m.ToolFiles
				}
			}
		}
	}

	return content, result, nil
}

func (rc *RegistryClient) repository(ref Ref) (*remote.Repository, error) {
	repoRef := fmt.Sprintf("%s/%s", ref.Registry, ref.Path)
	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = rc.PlainHTTP
	if rc.Username != "" {
		repo.Client = &orasauth.Client{
			Client: retry.DefaultClient,
			Credential: orasauth.StaticCredential(ref.Registry, orasauth.Credential{
				Username: rc.Username,
				Password: rc.Password,
			}),
		}
	}
	return repo, nil
}
