// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source resolves workflow source references against the server
// allow-lists.
package source

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sprocket-wdl/sprocket/internal/config"
)

// Kind identifies the form of a workflow source.
type Kind string

const (
	// KindInline is inline WDL document content.
	KindInline Kind = "inline"
	// KindPath is a local file path.
	KindPath Kind = "path"
	// KindURL is a remote URL.
	KindURL Kind = "url"
)

// Error is a source resolution rejection. The HTTP layer maps it to a
// 400 response.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return e.message
}

// rejectf builds a rejection error.
func rejectf(format string, args ...any) *Error {
	return &Error{message: fmt.Sprintf(format, args...)}
}

// Request is a workflow source reference as submitted by a client.
// Exactly one field must be set.
type Request struct {
	// Content is inline WDL document content.
	Content string
	// Path is a local file path.
	Path string
	// URL is a remote URL.
	URL string
}

// Resolved is a workflow source accepted for evaluation.
type Resolved struct {
	// Kind is the form of the source.
	Kind Kind
	// Content is the inline document content for KindInline.
	Content string
	// Path is the canonical file path for KindPath.
	Path string
	// URL is the URL for KindURL.
	URL string
}

// Display returns the provenance representation of the source: the path
// or URL for references, or "inline" for inline content.
func (r *Resolved) Display() string {
	switch r.Kind {
	case KindPath:
		return r.Path
	case KindURL:
		return r.URL
	default:
		return "inline"
	}
}

// Resolve validates a source request against the configured allow-lists
// and produces a resolved source handle. Rejections are returned as
// *Error values.
func Resolve(cfg *config.Config, req Request) (*Resolved, error) {
	set := 0
	if req.Content != "" {
		set++
	}
	if req.Path != "" {
		set++
	}
	if req.URL != "" {
		set++
	}
	if set != 1 {
		return nil, rejectf("exactly one of inline content, a file path, or a URL must be provided")
	}

	switch {
	case req.Content != "":
		return &Resolved{Kind: KindInline, Content: req.Content}, nil
	case req.Path != "":
		return resolvePath(cfg, req.Path)
	default:
		return resolveURL(cfg, req.URL)
	}
}

// resolvePath validates a local file source. The allow-list check comes
// before the existence check so that a probe for a path outside the
// allow-list cannot learn whether it exists.
func resolvePath(cfg *config.Config, path string) (*Resolved, error) {
	if !cfg.FileSourcesEnabled {
		return nil, rejectf("file sources are not allowed")
	}

	canonical, err := canonicalizePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize file path %s: %w", path, err)
	}

	allowed := false
	for _, prefix := range cfg.AllowedFilePaths {
		if containsPath(prefix, canonical) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, rejectf("file path is not in allowed paths")
	}

	if _, err := os.Stat(canonical); err != nil {
		return nil, rejectf("file does not exist: %s", path)
	}

	return &Resolved{Kind: KindPath, Path: canonical}, nil
}

// canonicalizePath resolves a path to its absolute, symlink-free form.
// A path that does not exist yet is resolved through its parent
// directory, falling back to lexical cleaning.
func canonicalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(parent, filepath.Base(abs)), nil
	}
	return filepath.Clean(abs), nil
}

// resolveURL validates a remote URL source.
func resolveURL(cfg *config.Config, raw string) (*Resolved, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, rejectf("invalid URL %q", raw)
	}

	serialized := u.String()
	for _, prefix := range cfg.AllowedURLs {
		if strings.HasPrefix(serialized, prefix) {
			return &Resolved{Kind: KindURL, URL: serialized}, nil
		}
	}

	return nil, rejectf("url is not in allowed urls")
}

// containsPath reports whether candidate is prefix itself or beneath it,
// comparing whole path components so that "/allowed-extra" does not match
// a "/allowed" prefix.
func containsPath(prefix, candidate string) bool {
	rel, err := filepath.Rel(prefix, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
